// Package maintenance drives periodic upkeep across every project's Flow
// Store and Rule Store: age-threshold sweeps and cache-stats logging
// (SPEC_FULL.md §3 "Maintenance scheduler").
package maintenance

import (
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// Scheduler runs cron-driven maintenance jobs across every registered
// project's stores.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
}

// New constructs a Scheduler. It does not start running until Start.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("maintenance")
	}
	return &Scheduler{cron: cron.New(), log: log}
}

// RegisterFlowStoreSweep schedules store's age-threshold eviction sweep to
// run on schedule (cron expression, e.g. "@every 5m") for projectID. A
// malformed schedule is logged and the job is skipped, since maintenance
// is best-effort (spec.md §7's Internal-invariant error class).
func (s *Scheduler) RegisterFlowStoreSweep(projectID, schedule string, store *flowstore.Store) {
	s.addJob(projectID, schedule, "flowstore_sweep", func() { store.Sweep() })
}

// RegisterRuleCacheLog schedules a periodic log line reporting the Rule
// Store's configured match-cache capacity (CacheSize) for projectID; the
// number of entries currently cached is not reported.
func (s *Scheduler) RegisterRuleCacheLog(projectID, schedule string, store *rulestore.Store) {
	s.addJob(projectID, schedule, "rule_cache_stats", func() {
		s.log.WithField("project_id", projectID).WithField("cache_size", store.CacheSize()).
			Info("rule store cache stats")
	})
}

func (s *Scheduler) addJob(projectID, schedule, jobName string, fn func()) {
	_, err := s.cron.AddFunc(schedule, fn)
	if err != nil {
		s.log.WithField("project_id", projectID).WithField("job", jobName).
			WithField("schedule", schedule).WithField("error", err.Error()).
			Warn("maintenance: invalid cron schedule, job skipped")
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
