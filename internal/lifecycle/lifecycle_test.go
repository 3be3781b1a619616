package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsComponentsInDependencyOrder(t *testing.T) {
	var order []string

	o, err := New(time.Second,
		Component{
			Name:      "directory",
			DependsOn: []string{"store"},
			Start:     func(context.Context) error { order = append(order, "directory"); return nil },
			Stop:      func(context.Context) error { return nil },
		},
		Component{
			Name:  "store",
			Start: func(context.Context) error { order = append(order, "store"); return nil },
			Stop:  func(context.Context) error { return nil },
		},
		Component{
			Name:      "dispatcher",
			DependsOn: []string{"directory"},
			Start:     func(context.Context) error { order = append(order, "dispatcher"); return nil },
			Stop:      func(context.Context) error { return nil },
		},
	)
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []string{"store", "directory", "dispatcher"}, order)
}

func TestNewRejectsDependencyCycle(t *testing.T) {
	_, err := New(time.Second,
		Component{Name: "a", DependsOn: []string{"b"}, Start: noop, Stop: noop},
		Component{Name: "b", DependsOn: []string{"a"}, Start: noop, Stop: noop},
	)
	assert.Error(t, err)
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New(time.Second,
		Component{Name: "a", DependsOn: []string{"ghost"}, Start: noop, Stop: noop},
	)
	assert.Error(t, err)
}

func TestShutdownStopsInReverseOrderAndOnlyOnce(t *testing.T) {
	var stopped []string

	o, err := New(time.Second,
		Component{
			Name:  "store",
			Start: noop,
			Stop:  func(context.Context) error { stopped = append(stopped, "store"); return nil },
		},
		Component{
			Name:      "directory",
			DependsOn: []string{"store"},
			Start:     noop,
			Stop:      func(context.Context) error { stopped = append(stopped, "directory"); return nil },
		},
	)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	o.Shutdown(context.Background())
	o.Shutdown(context.Background())

	assert.Equal(t, []string{"directory", "store"}, stopped)
}

func TestStartFailureTearsDownAlreadyStartedComponents(t *testing.T) {
	var stopped []string

	o, err := New(time.Second,
		Component{
			Name:  "store",
			Start: noop,
			Stop:  func(context.Context) error { stopped = append(stopped, "store"); return nil },
		},
		Component{
			Name:      "dispatcher",
			DependsOn: []string{"store"},
			Start:     func(context.Context) error { return assert.AnError },
			Stop:      func(context.Context) error { stopped = append(stopped, "dispatcher"); return nil },
		},
	)
	require.NoError(t, err)

	err = o.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"store"}, stopped)
}

func noop(context.Context) error { return nil }
