package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMeter bridges Meter to a prometheus registry. Collectors are created
// lazily on first use of a metric name; the label key set seen on that first
// use is fixed for the lifetime of the meter.
type PromMeter struct {
	Reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
}

func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		Reg:      reg,
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
	}
}

func splitLabels(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	vals := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		vals[i] = l.Value
	}
	return keys, vals
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	m.mu.Lock()
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		if err := m.Reg.Register(cv); err != nil {
			if are, ok2 := err.(prometheus.AlreadyRegisteredError); ok2 {
				cv = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.counters[name] = cv
	}
	m.mu.Unlock()
	c, err := cv.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	c.Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	m.mu.Lock()
	hv, ok := m.hists[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, keys)
		if err := m.Reg.Register(hv); err != nil {
			if are, ok2 := err.(prometheus.AlreadyRegisteredError); ok2 {
				hv = are.ExistingCollector.(*prometheus.HistogramVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.hists[name] = hv
	}
	m.mu.Unlock()
	h, err := hv.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	h.Observe(value)
}
