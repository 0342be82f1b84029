package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// MultiSink writes a snapshot to every sink, even when an earlier one fails.
type MultiSink struct {
	sinks []namedSink
}

type namedSink struct {
	name string
	sink SnapshotSink
}

// NewMultiSink returns an empty fan-out sink.
func NewMultiSink() *MultiSink {
	return &MultiSink{}
}

// Add registers sink under name. Nil sinks are ignored.
func (m *MultiSink) Add(name string, sink SnapshotSink) {
	if sink == nil {
		return
	}
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
}

// Len returns the number of registered sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// WriteSnapshot implements SnapshotSink. Errors are joined, one per failed sink.
func (m *MultiSink) WriteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.WriteSnapshot(ctx, snapshot); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
