package services

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
)

type SpeedDistribution string

const (
	DistributionZipf   SpeedDistribution = "zipf"
	DistributionPareto SpeedDistribution = "pareto"
	DistributionNormal SpeedDistribution = "normal"
)

const (
	maxZipfSpeed    = 100
	delayJitter     = 0.2
	localNoiseScale = 0.05
)

type SimulatorConfig struct {
	TotalClients    int
	Attackers       models.AttackerSet
	Attack          ports.Attack
	SpeedSimulation bool
	SleepSimulation bool
	Distribution    SpeedDistribution
	Shape           float64
	AvgTrainingTime time.Duration
	BandwidthMbps   float64
	Seed            int64
	Dimension       int
	LearningRate    float64
	Concentration   float64
	PartitionSize   int
}

type simulatedClient struct {
	record models.ClientRecord
	offset []float64
	mutex  sync.Mutex
	rng    *rand.Rand
}

// ClientSimulator stands in for real federated clients: it decides how long
// each one trains and what it sends back.
type ClientSimulator struct {
	cfg       SimulatorConfig
	clients   []*simulatedClient
	optimum   []float64
	meanSpeed float64
	now       func() time.Time
}

func NewClientSimulator(cfg SimulatorConfig) (*ClientSimulator, error) {
	if cfg.TotalClients <= 0 {
		return nil, fmt.Errorf("total clients must be positive")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("model dimension must be positive")
	}
	if cfg.Attack == nil {
		cfg.Attack = noAttack{}
	}
	if cfg.Distribution == "" {
		cfg.Distribution = DistributionZipf
	}
	if cfg.PartitionSize <= 0 {
		cfg.PartitionSize = 1
	}

	population := rand.New(rand.NewSource(cfg.Seed))

	optimum := make([]float64, cfg.Dimension)
	for i := range optimum {
		optimum[i] = population.Float64()*2 - 1
	}

	var zipf *rand.Zipf
	if cfg.Distribution == DistributionZipf {
		if cfg.Shape <= 1 {
			return nil, fmt.Errorf("zipf shape must be greater than 1, got %v", cfg.Shape)
		}
		zipf = rand.NewZipf(population, cfg.Shape, 1, maxZipfSpeed)
	}

	skew := 0.0
	if cfg.Concentration > 0 {
		skew = 0.1 / cfg.Concentration
	}

	s := &ClientSimulator{
		cfg:     cfg,
		clients: make([]*simulatedClient, cfg.TotalClients),
		optimum: optimum,
		now:     time.Now,
	}

	total := 0.0
	for i := range s.clients {
		id := i + 1
		speed, err := drawSpeed(population, zipf, cfg.Distribution, cfg.Shape)
		if err != nil {
			return nil, err
		}
		total += speed

		offset := make([]float64, cfg.Dimension)
		for j := range offset {
			offset[j] = population.NormFloat64() * skew
		}

		s.clients[i] = &simulatedClient{
			record: models.ClientRecord{
				ID:         id,
				IsAttacker: cfg.Attackers.Contains(id),
				SpeedClass: speed,
			},
			offset: offset,
			rng:    rand.New(rand.NewSource(cfg.Seed*1_000_003 + int64(id))),
		}
	}
	s.meanSpeed = total / float64(len(s.clients))

	return s, nil
}

func drawSpeed(r *rand.Rand, zipf *rand.Zipf, dist SpeedDistribution, shape float64) (float64, error) {
	switch dist {
	case DistributionZipf:
		return float64(zipf.Uint64() + 1), nil
	case DistributionPareto:
		if shape <= 0 {
			return 0, fmt.Errorf("pareto shape must be positive, got %v", shape)
		}
		return math.Pow(1-r.Float64(), -1/shape), nil
	case DistributionNormal:
		return math.Max(0.1, 1+shape*r.NormFloat64()), nil
	default:
		return 0, fmt.Errorf("unknown speed distribution %q", dist)
	}
}

func (s *ClientSimulator) client(clientID int) (*simulatedClient, error) {
	if clientID < 1 || clientID > len(s.clients) {
		return nil, fmt.Errorf("unknown client %d", clientID)
	}
	return s.clients[clientID-1], nil
}

func (s *ClientSimulator) Clients() []models.ClientRecord {
	records := make([]models.ClientRecord, len(s.clients))
	for i, c := range s.clients {
		records[i] = c.record
	}
	return records
}

func (s *ClientSimulator) Dimension() int {
	return s.cfg.Dimension
}

// TrainingTime is the logical time client spends on one round of local
// training. It always advances the client's own random stream, so the
// sequence per client is fixed by the seed regardless of interleaving.
func (s *ClientSimulator) TrainingTime(clientID int) time.Duration {
	c, err := s.client(clientID)
	if err != nil {
		return s.cfg.AvgTrainingTime
	}

	c.mutex.Lock()
	jitter := 1 + delayJitter*(c.rng.Float64()-0.5)
	c.mutex.Unlock()

	if !s.cfg.SpeedSimulation {
		return s.cfg.AvgTrainingTime
	}

	factor := c.record.SpeedClass / s.meanSpeed * jitter
	return time.Duration(float64(s.cfg.AvgTrainingTime) * factor)
}

// SampleDelay is how long a client goroutine should actually sleep.
func (s *ClientSimulator) SampleDelay(clientID int) time.Duration {
	return s.sleepFor(s.TrainingTime(clientID))
}

func (s *ClientSimulator) sleepFor(trainingTime time.Duration) time.Duration {
	if !s.cfg.SleepSimulation {
		return 0
	}
	return trainingTime
}

// Train emulates local training against snapshot and returns the update the
// client would submit. Adversarial clients pass their honest result through
// the configured attack.
func (s *ClientSimulator) Train(clientID int, snapshot models.GlobalModel, trainingTime time.Duration) (*models.Update, error) {
	c, err := s.client(clientID)
	if err != nil {
		return nil, err
	}
	if len(snapshot.Weights) != s.cfg.Dimension {
		return nil, fmt.Errorf("snapshot has %d weights, expected %d", len(snapshot.Weights), s.cfg.Dimension)
	}

	honest := make([]float64, s.cfg.Dimension)
	c.mutex.Lock()
	for i, w := range snapshot.Weights {
		target := s.optimum[i] + c.offset[i]
		honest[i] = w + s.cfg.LearningRate*(target-w) + localNoiseScale*c.rng.NormFloat64()
	}
	c.mutex.Unlock()

	payload := honest
	if c.record.IsAttacker {
		payload = s.cfg.Attack.Perturb(snapshot.Weights, honest)
	}

	update := models.NewUpdate(clientID, snapshot.Round, payload)
	update.NumSamples = s.cfg.PartitionSize
	update.Accuracy = s.Evaluate(honest)
	update.TrainingTime = trainingTime
	update.CommTime = s.commTime(len(payload))
	update.SubmitTime = s.now()
	return update, nil
}

func (s *ClientSimulator) commTime(weights int) time.Duration {
	if s.cfg.BandwidthMbps <= 0 {
		return 0
	}
	bits := float64(weights) * 64
	seconds := bits / (s.cfg.BandwidthMbps * 1e6)
	return time.Duration(seconds * float64(time.Second))
}

// Evaluate maps the RMS distance to the global optimum into (0, 1].
func (s *ClientSimulator) Evaluate(weights []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	sum := 0.0
	for i, w := range weights {
		d := w - at(s.optimum, i)
		sum += d * d
	}
	rms := math.Sqrt(sum / float64(len(weights)))
	return 1 / (1 + rms)
}
