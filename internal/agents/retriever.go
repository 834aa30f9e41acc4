package agents

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/budget"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

const (
	// promptOverheadTokens is reserved before any chunk is admitted so the
	// question, instructions, and completion always fit the budget.
	promptOverheadTokens = 300

	// excerptMaxLen bounds citation excerpts on the wire.
	excerptMaxLen = 200
)

// RetrieverConfig tunes search and budget behavior. Zero values fall
// back to the service defaults.
type RetrieverConfig struct {
	TopK     int
	MinScore float64
	Overhead int
}

// Retriever embeds the search query, runs similarity search, and
// assembles the context window by charging each chunk against the
// request's token budget in score order. Citations cover every search
// result so markers stay meaningful even when the budget cut chunks.
type Retriever struct {
	store    vectorstore.Store
	embedder embeddings.Client
	topK     int
	minScore float64
	overhead int
	logger   *zap.Logger
}

func NewRetriever(store vectorstore.Store, embedder embeddings.Client, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.1
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = promptOverheadTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		topK:     cfg.TopK,
		minScore: cfg.MinScore,
		overhead: cfg.Overhead,
		logger:   logger,
	}
}

func (r *Retriever) Name() string { return NameRetriever }

func (r *Retriever) Execute(ctx context.Context, ac *Context) error {
	start := time.Now()

	query := ac.Param("question")
	if query == "" {
		query = ac.Param("purpose")
	}
	if query == "" {
		return ErrNoQuery
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	topK := r.topK
	if v := ac.Param("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			topK = n
		}
	}
	results, err := r.store.Search(ctx, vec, topK, r.minScore)
	if err != nil {
		return fmt.Errorf("vector search: %w", err)
	}
	ac.SearchResults = results

	if ac.Budget == nil {
		ac.Budget = budget.New(0)
	}
	overhead := r.overhead
	if remaining := ac.Budget.Remaining(); remaining < overhead {
		overhead = remaining
	}
	if overhead > 0 {
		if err := ac.Budget.Consume(overhead); err != nil {
			return fmt.Errorf("reserve prompt overhead: %w", err)
		}
	}

	admitted := 0
	for _, res := range results {
		block := fmt.Sprintf("[Source: %s - %s]\n%s", res.Chunk.Title, res.Chunk.Section, res.Chunk.Text)
		if err := ac.Budget.Consume(budget.EstimateTokens(block)); err != nil {
			metrics.BudgetRejections.Inc()
			r.logger.Debug("context window full",
				zap.Int("admitted", admitted),
				zap.Int("candidates", len(results)),
				zap.Int("budget_remaining", ac.Budget.Remaining()))
			break
		}
		ac.ContextChunks = append(ac.ContextChunks, block)
		admitted++
	}

	ac.Citations = citationsFrom(results)

	ac.AddTrace(NameRetriever, "retrieve",
		fmt.Sprintf("results=%d admitted=%d budget_used=%d", len(results), admitted, ac.Budget.Used()), start)
	return nil
}

// citationsFrom numbers every candidate in rank order. The positional
// ids c1..cN line up with the [#1]..[#N] markers the drafter requests.
func citationsFrom(results []models.SearchResult) []models.Citation {
	if len(results) == 0 {
		return nil
	}
	cites := make([]models.Citation, 0, len(results))
	for i, res := range results {
		cites = append(cites, models.Citation{
			ID:      fmt.Sprintf("c%d", i+1),
			Title:   res.Chunk.Title,
			Section: res.Chunk.Section,
			Excerpt: excerpt(res.Chunk.Text),
			Score:   res.Score,
			URL:     res.Chunk.SourcePath,
		})
	}
	return cites
}

func excerpt(text string) string {
	if len(text) <= excerptMaxLen {
		return text
	}
	return text[:excerptMaxLen] + "..."
}
