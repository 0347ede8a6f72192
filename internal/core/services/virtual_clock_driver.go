package services

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

// completion is a simulated client finishing local training at readyAt.
type completion struct {
	readyAt time.Time
	update  *models.Update
}

type completionQueue []completion

func (q completionQueue) Len() int { return len(q) }

func (q completionQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	return q[i].update.ClientID < q[j].update.ClientID
}

func (q completionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *completionQueue) Push(x any) { *q = append(*q, x.(completion)) }

func (q *completionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// VirtualClockDriver runs the coordinator engine in simulated wall time.
// Client completions are processed in (time, client id) order and window
// deadlines fire on the virtual clock, so a run is fully determined by the
// seed.
type VirtualClockDriver struct {
	coordinator *RoundCoordinator
	simulator   *ClientSimulator
	perRound    int
	pool        *idlePool
	queue       completionQueue
	now         time.Time
}

func NewVirtualClockDriver(coordinator *RoundCoordinator, simulator *ClientSimulator, perRound int, seed int64) *VirtualClockDriver {
	if perRound <= 0 {
		perRound = 1
	}
	d := &VirtualClockDriver{
		coordinator: coordinator,
		simulator:   simulator,
		perRound:    perRound,
		pool:        newIdlePool(simulator.Clients(), rand.New(rand.NewSource(seed))),
		now:         time.Unix(0, 0).UTC(),
	}
	coordinator.SetClock(func() time.Time { return d.now })
	simulator.now = func() time.Time { return d.now }
	return d
}

// Now is the current virtual time.
func (d *VirtualClockDriver) Now() time.Time {
	return d.now
}

func (d *VirtualClockDriver) Run(ctx context.Context) error {
	log := logger.WithComponent("virtual_clock")

	c := d.coordinator
	c.Start()
	defer c.Stop()

	log.Info().
		Int("clients", len(d.pool.ids)).
		Int("per_round", d.perRound).
		Msg("Starting simulated wall time run")

	if err := d.dispatch(); err != nil {
		return err
	}

	for !c.Stopped() {
		if err := ctx.Err(); err != nil {
			log.Info().Msg("Stop signal received")
			return nil
		}

		deadline := c.WindowOpenedAt().Add(c.WindowDeadline())

		if d.queue.Len() == 0 || d.queue[0].readyAt.After(deadline) {
			d.now = deadline
			d.closeWindow(true)
			continue
		}

		next := heap.Pop(&d.queue).(completion)
		d.now = next.readyAt
		next.update.SubmitTime = d.now

		err := c.Offer(next.update)
		d.pool.put(next.update.ClientID)
		if err == nil && c.QuorumReached() {
			d.closeWindow(false)
		}

		if c.Stopped() {
			break
		}
		if err := d.dispatch(); err != nil {
			return err
		}
	}

	log.Info().
		Int("round", c.Latest().Round).
		Str("virtual_elapsed", d.now.Sub(time.Unix(0, 0)).String()).
		Msg("Simulated wall time run finished")
	return nil
}

func (d *VirtualClockDriver) closeWindow(escape bool) {
	if _, err := d.coordinator.CloseWindow(escape); err != nil && !errors.Is(err, models.ErrQuorumStall) {
		log := logger.WithComponent("virtual_clock")
		log.Debug().Err(err).Msg("Window did not produce a model")
	}
}

// dispatch starts idle clients until PerRound are training. Each one trains
// on the current snapshot and completes after its training and
// communication time.
func (d *VirtualClockDriver) dispatch() error {
	for d.queue.Len() < d.perRound {
		clientID, ok := d.pool.take()
		if !ok {
			return nil
		}

		snapshot := d.coordinator.Latest()
		trainingTime := d.simulator.TrainingTime(clientID)
		update, err := d.simulator.Train(clientID, snapshot, trainingTime)
		if err != nil {
			return err
		}

		heap.Push(&d.queue, completion{
			readyAt: d.now.Add(trainingTime + update.CommTime),
			update:  update,
		})
	}
	return nil
}
