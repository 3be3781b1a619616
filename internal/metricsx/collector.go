package metricsx

import (
	"time"

	"github.com/nodeforge/fabric/internal/directory"
	"github.com/nodeforge/fabric/internal/model"
)

// Collector periodically samples the node directory into the cluster
// gauges.
type Collector struct {
	dir    *directory.Directory
	stopCh chan struct{}
}

// NewCollector builds a Collector over dir.
func NewCollector(dir *directory.Directory) *Collector {
	return &Collector{dir: dir, stopCh: make(chan struct{})}
}

// Start begins sampling every 15 seconds, plus once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := make(map[model.Role]map[model.Status]int)
	for _, info := range c.dir.All() {
		if counts[info.Role] == nil {
			counts[info.Role] = make(map[model.Status]int)
		}
		counts[info.Role][info.Status]++
	}

	NodesTotal.Reset()
	for role, statuses := range counts {
		for status, n := range statuses {
			NodesTotal.WithLabelValues(string(role), string(status)).Set(float64(n))
		}
	}
}
