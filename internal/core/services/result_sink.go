package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

var resultColumns = map[string]func(models.RoundResult) string{
	"round":           func(r models.RoundResult) string { return strconv.Itoa(r.Round) },
	"accuracy":        func(r models.RoundResult) string { return formatFloat(r.Accuracy) },
	"accuracy_std":    func(r models.RoundResult) string { return formatFloat(r.AccuracyStd) },
	"elapsed_time":    func(r models.RoundResult) string { return formatSeconds(r.ElapsedTime) },
	"processing_time": func(r models.RoundResult) string { return formatSeconds(r.ProcessingTime) },
	"comm_time":       func(r models.RoundResult) string { return formatSeconds(r.CommTime) },
	"round_time":      func(r models.RoundResult) string { return formatSeconds(r.RoundTime) },
	"admitted":        func(r models.RoundResult) string { return strconv.Itoa(r.Admitted) },
	"rejected":        func(r models.RoundResult) string { return strconv.Itoa(r.Rejected) },
	"stale":           func(r models.RoundResult) string { return strconv.Itoa(r.Stale) },
	"escape":          func(r models.RoundResult) string { return strconv.FormatBool(r.Escape) },
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatSeconds(d time.Duration) string {
	return formatFloat(d.Seconds())
}

// ParseResultColumns turns a comma separated results.types value into CSV
// columns. The round column always comes first.
func ParseResultColumns(types string) ([]string, error) {
	columns := []string{"round"}
	seen := map[string]bool{"round": true}

	for _, field := range strings.Split(types, ",") {
		name := strings.TrimSpace(field)
		if name == "" || seen[name] {
			continue
		}
		if _, ok := resultColumns[name]; !ok {
			return nil, fmt.Errorf("unknown result column %q", name)
		}
		seen[name] = true
		columns = append(columns, name)
	}
	return columns, nil
}

// CSVResultSink appends one row per completed round.
type CSVResultSink struct {
	mutex   sync.Mutex
	file    *os.File
	writer  *csv.Writer
	columns []string
}

func NewCSVResultSink(path string, columns []string) (*CSVResultSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create results file: %w", err)
	}

	sink := &CSVResultSink{
		file:    file,
		writer:  csv.NewWriter(file),
		columns: columns,
	}

	if err := sink.writer.Write(columns); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write results header: %w", err)
	}
	sink.writer.Flush()
	if err := sink.writer.Error(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to flush results header: %w", err)
	}

	return sink, nil
}

func (s *CSVResultSink) Record(_ context.Context, result models.RoundResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	row := make([]string, len(s.columns))
	for i, column := range s.columns {
		row[i] = resultColumns[column](result)
	}

	log := logger.WithComponent("result_sink")
	if err := s.writer.Write(row); err != nil {
		log.Error().Err(err).Int("round", result.Round).Str("file", s.file.Name()).Msg("Failed to write result row")
		return fmt.Errorf("failed to write result row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		log.Error().Err(err).Int("round", result.Round).Str("file", s.file.Name()).Msg("Failed to flush result row")
		return err
	}
	return nil
}

func (s *CSVResultSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.writer.Flush()
	return errors.Join(s.writer.Error(), s.file.Close())
}

// RepositoryResultSink persists round results through a RoundRecordRepository.
type RepositoryResultSink struct {
	repo ports.RoundRecordRepository
}

func NewRepositoryResultSink(repo ports.RoundRecordRepository) *RepositoryResultSink {
	return &RepositoryResultSink{repo: repo}
}

func (s *RepositoryResultSink) Record(ctx context.Context, result models.RoundResult) error {
	if err := s.repo.Create(ctx, models.NewRoundRecord(result)); err != nil {
		log := logger.WithComponent("result_sink")
		log.Error().Err(err).
			Str("run_id", result.RunID.String()).
			Int("round", result.Round).
			Msg("Failed to store round record")
		return fmt.Errorf("failed to store round record: %w", err)
	}
	return nil
}

func (s *RepositoryResultSink) Close() error {
	return nil
}

// MultiSink fans a result out to every sink and joins their errors.
type MultiSink []ports.ResultSink

func (m MultiSink) Record(ctx context.Context, result models.RoundResult) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
