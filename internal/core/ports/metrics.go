package ports

import "time"

type MetricsRecorder interface {
	SetLiveWorkers(n int)
	IncWorkerDeaths()
	SetRooms(n int)
	AddPeers(delta int)
	AddMediaObjects(kind string, delta int)
	ObserveSignalRequest(method, result string, duration time.Duration)
	IncBusEvents(eventType, result string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SetLiveWorkers(int)                                 {}
func (NopMetrics) IncWorkerDeaths()                                   {}
func (NopMetrics) SetRooms(int)                                       {}
func (NopMetrics) AddPeers(int)                                       {}
func (NopMetrics) AddMediaObjects(string, int)                        {}
func (NopMetrics) ObserveSignalRequest(string, string, time.Duration) {}
func (NopMetrics) IncBusEvents(string, string)                        {}
