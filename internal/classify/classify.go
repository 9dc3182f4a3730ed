// Package classify runs an AI classifier over every article that is not yet
// tagged, in bounded batches.
package classify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bryan-buckman/curator/internal/model"
)

// DefaultBatchSize bounds the number of in-flight classification calls.
const DefaultBatchSize = 5

// Classifier decides whether an article is about AI.
type Classifier interface {
	Classify(ctx context.Context, title, content string, settings model.OllamaSettings) (bool, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, title, content string, settings model.OllamaSettings) (bool, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, title, content string, settings model.OllamaSettings) (bool, error) {
	return f(ctx, title, content, settings)
}

// Tagger records positive classifications.
type Tagger interface {
	IsAIArticle(link string) bool
	MarkAsAI(ctx context.Context, a model.Article) error
}

// Progress is called after each article completes, successfully or not. done
// increases monotonically up to total.
type Progress func(done, total int)

// Result summarizes a run.
type Result struct {
	Processed int `json:"processed"`
	Tagged    int `json:"tagged"`
	Failed    int `json:"failed"`
}

// Driver runs bulk classification.
type Driver struct {
	classifier Classifier
	tagger     Tagger
	batchSize  int
	logger     *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithBatchSize sets the batch size. Values below one are ignored.
func WithBatchSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// New creates a Driver.
func New(c Classifier, t Tagger, opts ...Option) *Driver {
	d := &Driver{
		classifier: c,
		tagger:     t,
		batchSize:  DefaultBatchSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run classifies the articles of the input that are not already AI-tagged. The
// selection and its total are fixed when Run starts. Each batch runs
// concurrently and completes before the next one starts. A failing article is
// logged and still counts as processed; it never stops the run.
func (d *Driver) Run(ctx context.Context, articles []model.Article, settings model.OllamaSettings, progress Progress) Result {
	var todo []model.Article
	for _, a := range articles {
		if !a.IsAIArticle && !d.tagger.IsAIArticle(a.Link) {
			todo = append(todo, a)
		}
	}
	total := len(todo)
	d.logger.Info("classification started", "articles", total, "batch_size", d.batchSize)
	if progress != nil {
		progress(0, total)
	}

	var (
		done, tagged, failed atomic.Int64
		report               sync.Mutex
	)
	for start := 0; start < total; start += d.batchSize {
		end := min(start+d.batchSize, total)

		var wg sync.WaitGroup
		for _, a := range todo[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch ok, err := d.classifyOne(ctx, a, settings); {
				case err != nil:
					failed.Add(1)
					d.logger.Warn("classification failed", "article", a.ID, "link", a.Link, "error", err)
				case ok:
					tagged.Add(1)
				}
				if progress != nil {
					// Serialized so callers observe an increasing count.
					report.Lock()
					progress(int(done.Add(1)), total)
					report.Unlock()
				} else {
					done.Add(1)
				}
			}()
		}
		wg.Wait()
	}

	res := Result{
		Processed: int(done.Load()),
		Tagged:    int(tagged.Load()),
		Failed:    int(failed.Load()),
	}
	d.logger.Info("classification finished", "processed", res.Processed, "tagged", res.Tagged, "failed", res.Failed)
	return res
}

func (d *Driver) classifyOne(ctx context.Context, a model.Article, settings model.OllamaSettings) (bool, error) {
	ok, err := d.classifier.Classify(ctx, a.Title, a.Content, settings)
	if err != nil || !ok {
		return false, err
	}
	if err := d.tagger.MarkAsAI(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}
