package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mssola/user_agent"
)

// Delivery describes one ingestion request after it was answered.
type Delivery struct {
	RequestID    string
	Source       string
	Received     int
	Forwarded    int
	Duplicates   int
	BotsFiltered int
	Status       int
	IP           string
	UserAgent    string
	Elapsed      time.Duration

	// Filled by the worker.
	Browser    string
	OS         string
	DeviceType string
}

// DeliveryTotals are the running counters exposed on the health endpoint.
type DeliveryTotals struct {
	Requests   int64            `json:"requests"`
	Received   int64            `json:"received"`
	Forwarded  int64            `json:"forwarded"`
	Duplicates int64            `json:"duplicates"`
	Failed     int64            `json:"failed"`
	Dropped    int64            `json:"dropped"`
	Devices    map[string]int64 `json:"devices"`
}

type StatsService struct {
	logger          *slog.Logger
	deliveryChannel chan Delivery

	mu     sync.Mutex
	totals DeliveryTotals
}

func NewStatsService(logger *slog.Logger) *StatsService {
	return &StatsService{
		logger:          logger,
		deliveryChannel: make(chan Delivery, 1000),
		totals:          DeliveryTotals{Devices: map[string]int64{}},
	}
}

func (s *StatsService) Start(ctx context.Context) {
	s.logger.Info("Stats worker starting")
	for {
		select {
		case d := <-s.deliveryChannel:
			s.record(d)
		case <-ctx.Done():
			s.logger.Info("Stats worker stopping")
			return
		}
	}
}

// RecordDeliveryAsync queues d without blocking the request path.
func (s *StatsService) RecordDeliveryAsync(d Delivery) {
	select {
	case s.deliveryChannel <- d:
	default:
		s.mu.Lock()
		s.totals.Dropped++
		s.mu.Unlock()
		s.logger.Warn("Stats channel full, dropping delivery record")
	}
}

// Totals returns a copy of the running counters.
func (s *StatsService) Totals() DeliveryTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.totals
	out.Devices = make(map[string]int64, len(s.totals.Devices))
	for k, v := range s.totals.Devices {
		out.Devices[k] = v
	}
	return out
}

func (s *StatsService) record(d Delivery) {
	s.enrichDelivery(&d)

	s.mu.Lock()
	s.totals.Requests++
	s.totals.Received += int64(d.Received)
	s.totals.Forwarded += int64(d.Forwarded)
	s.totals.Duplicates += int64(d.Duplicates)
	if d.Status >= 400 {
		s.totals.Failed++
	}
	s.totals.Devices[d.DeviceType]++
	s.mu.Unlock()

	s.logger.Info("Stats: Delivery recorded",
		"request_id", d.RequestID,
		"source", d.Source,
		"status", d.Status,
		"received", d.Received,
		"forwarded", d.Forwarded,
		"duplicates", d.Duplicates,
		"bots_filtered", d.BotsFiltered,
		"elapsed_ms", d.Elapsed.Milliseconds(),
		"ip", d.IP,
		"browser", d.Browser,
		"os", d.OS,
		"device", d.DeviceType,
	)
}

func (s *StatsService) enrichDelivery(d *Delivery) {
	if d.UserAgent == "" {
		d.DeviceType = "Server"
	} else {
		ua := user_agent.New(d.UserAgent)
		browserName, browserVer := ua.Browser()
		d.Browser = browserName + " " + browserVer
		d.OS = ua.OS()

		if ua.Mobile() {
			d.DeviceType = "Mobile"
		} else if ua.Bot() {
			d.DeviceType = "Bot"
		} else {
			d.DeviceType = "Desktop"
		}
	}

	// Client addresses are not written to logs in full.
	d.IP = s.maskIP(d.IP)
}

func (s *StatsService) maskIP(ip string) string {
	for i := len(ip) - 1; i >= 0; i-- {
		if ip[i] == '.' {
			return ip[:i] + ".0"
		}
		if ip[i] == ':' {
			return "IPv6 (Masked)"
		}
	}
	return ip
}
