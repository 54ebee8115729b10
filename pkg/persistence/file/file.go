// Package file provides file-based persistence, one JSON document per record.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/dukex/conduit/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root            string
	integrationRepo *IntegrationRepository
	ruleRepo        *RuleRepository
	logRepo         *ExecutionLogRepository
	mappingRepo     *EventMappingRepository
	configStore     *ConfigStore
	breakerRepo     *BreakerRepository
	rateLimitRepo   *RateLimitRepository
	instanceRepo    *InstanceRepository
	flowRepo        *FlowRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:            cleanRoot,
		integrationRepo: NewIntegrationRepository(cleanRoot),
		ruleRepo:        NewRuleRepository(cleanRoot),
		logRepo:         NewExecutionLogRepository(cleanRoot),
		mappingRepo:     NewEventMappingRepository(cleanRoot),
		configStore:     NewConfigStore(cleanRoot),
		breakerRepo:     NewBreakerRepository(cleanRoot),
		rateLimitRepo:   NewRateLimitRepository(cleanRoot),
		instanceRepo:    NewInstanceRepository(cleanRoot),
		flowRepo:        NewFlowRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck creates the root directory if needed and verifies it is a directory.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.root, 0o750)
	if err != nil {
		return err
	}

	info, err := os.Stat(fp.root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return os.ErrInvalid
	}

	return nil
}

func (fp *Persistence) IntegrationRepository() persistence.IntegrationRepository {
	return fp.integrationRepo
}

func (fp *Persistence) RuleRepository() persistence.RuleRepository {
	return fp.ruleRepo
}

func (fp *Persistence) ExecutionLogRepository() persistence.ExecutionLogRepository {
	return fp.logRepo
}

func (fp *Persistence) EventMappingRepository() persistence.EventMappingRepository {
	return fp.mappingRepo
}

func (fp *Persistence) ConfigStore() persistence.ConfigStore {
	return fp.configStore
}

func (fp *Persistence) BreakerRepository() persistence.BreakerRepository {
	return fp.breakerRepo
}

func (fp *Persistence) RateLimitRepository() persistence.RateLimitRepository {
	return fp.rateLimitRepo
}

func (fp *Persistence) InstanceRepository() persistence.InstanceRepository {
	return fp.instanceRepo
}

func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}
