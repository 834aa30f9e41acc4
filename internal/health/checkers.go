package health

import (
	"context"
	"time"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/demo"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

const (
	defaultCheckTimeout = 5 * time.Second

	// slowThreshold marks a reachable backend as degraded.
	slowThreshold = 100 * time.Millisecond
)

// VectorStoreChecker probes the chunk index. Critical: retrieval cannot
// work without it.
type VectorStoreChecker struct {
	store vectorstore.Store
}

func NewVectorStoreChecker(store vectorstore.Store) *VectorStoreChecker {
	return &VectorStoreChecker{store: store}
}

func (c *VectorStoreChecker) Name() string           { return "vectorstore" }
func (c *VectorStoreChecker) IsCritical() bool       { return true }
func (c *VectorStoreChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (c *VectorStoreChecker) Check(ctx context.Context) Result {
	details := map[string]any{"backend": c.store.Name()}
	start := time.Now()

	if !c.store.HealthCheck(ctx) {
		return Result{
			Status:  StatusUnhealthy,
			Message: "vector store unreachable",
			Details: details,
		}
	}

	count, err := c.store.Count(ctx)
	if err != nil {
		return Result{
			Status:  StatusUnhealthy,
			Message: "vector store not serving",
			Error:   err.Error(),
			Details: details,
		}
	}
	details["chunks"] = count

	result := Result{Status: StatusHealthy, Message: "vector store healthy", Details: details}
	if time.Since(start) > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "vector store responding slowly"
	}
	return result
}

// MemoryChecker probes the conversation/persona/policy store. Non-critical:
// the pipeline degrades to answering without memory.
type MemoryChecker struct {
	manager *memory.Manager
}

func NewMemoryChecker(manager *memory.Manager) *MemoryChecker {
	return &MemoryChecker{manager: manager}
}

func (c *MemoryChecker) Name() string           { return "memory" }
func (c *MemoryChecker) IsCritical() bool       { return false }
func (c *MemoryChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (c *MemoryChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if !c.manager.HealthCheck(ctx) {
		return Result{Status: StatusUnhealthy, Message: "memory store unreachable"}
	}
	result := Result{Status: StatusHealthy, Message: "memory store healthy"}
	if time.Since(start) > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "memory store responding slowly"
	}
	return result
}

// AuditChecker probes the audit log. Critical: requests must not be served
// when they cannot be audited.
type AuditChecker struct {
	store audit.Store
}

func NewAuditChecker(store audit.Store) *AuditChecker {
	return &AuditChecker{store: store}
}

func (c *AuditChecker) Name() string           { return "audit" }
func (c *AuditChecker) IsCritical() bool       { return true }
func (c *AuditChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (c *AuditChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if !c.store.HealthCheck(ctx) {
		return Result{Status: StatusUnhealthy, Message: "audit store unreachable"}
	}
	result := Result{Status: StatusHealthy, Message: "audit store healthy"}
	if time.Since(start) > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "audit store responding slowly"
	}
	return result
}

// LLMChecker reports the configured model providers. Probing a completion
// would spend tokens, so this only verifies wiring; provider outages
// surface through pipeline errors and the circuit breakers.
type LLMChecker struct {
	completer llm.Client
	embedder  embeddings.Client
}

func NewLLMChecker(completer llm.Client, embedder embeddings.Client) *LLMChecker {
	return &LLMChecker{completer: completer, embedder: embedder}
}

func (c *LLMChecker) Name() string           { return "llm" }
func (c *LLMChecker) IsCritical() bool       { return false }
func (c *LLMChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (c *LLMChecker) Check(_ context.Context) Result {
	return Result{
		Status:  StatusHealthy,
		Message: "providers configured",
		Details: map[string]any{
			"model":           c.completer.Model(),
			"embedding_model": c.embedder.Model(),
			"dimension":       c.embedder.Dimension(),
		},
	}
}

// DemoChecker reports fixture availability when demo mode is on.
type DemoChecker struct {
	svc *demo.Service
}

func NewDemoChecker(svc *demo.Service) *DemoChecker {
	return &DemoChecker{svc: svc}
}

func (c *DemoChecker) Name() string           { return "demo" }
func (c *DemoChecker) IsCritical() bool       { return false }
func (c *DemoChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (c *DemoChecker) Check(_ context.Context) Result {
	if c.svc == nil || !c.svc.Enabled() {
		return Result{Status: StatusHealthy, Message: "demo mode disabled"}
	}
	asks, letters := c.svc.FixtureCounts()
	details := map[string]any{"ask_fixtures": asks, "letter_fixtures": letters}
	if asks+letters == 0 {
		return Result{Status: StatusDegraded, Message: "no demo fixtures loaded", Details: details}
	}
	return Result{Status: StatusHealthy, Message: "demo fixtures loaded", Details: details}
}
