package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/curator/internal/model"
)

type fakeClassifier struct {
	mu       sync.Mutex
	seen     []string
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     map[string]bool
	positive map[string]bool
}

func (f *fakeClassifier) Classify(_ context.Context, title, _ string, _ model.OllamaSettings) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.seen = append(f.seen, title)
	f.mu.Unlock()
	if f.fail[title] {
		return false, errors.New("inference timeout")
	}
	return f.positive[title], nil
}

type fakeTagger struct {
	mu     sync.Mutex
	tagged map[string]bool
	err    error
}

func (f *fakeTagger) IsAIArticle(link string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tagged[link]
}

func (f *fakeTagger) MarkAsAI(_ context.Context, a model.Article) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[a.Link] = true
	return nil
}

func articles(n int) []model.Article {
	out := make([]model.Article, n)
	for i := range out {
		id := fmt.Sprintf("a%d", i+1)
		out[i] = model.Article{ID: id, Title: id, Link: "https://example.com/" + id}
	}
	return out
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSevenArticlesWithOneFailure(t *testing.T) {
	cls := &fakeClassifier{
		fail:     map[string]bool{"a3": true},
		positive: map[string]bool{"a1": true, "a6": true},
	}
	tagger := &fakeTagger{tagged: map[string]bool{}}
	d := New(cls, tagger, quiet())

	var reports []int
	res := d.Run(context.Background(), articles(7), model.DefaultOllamaSettings(), func(done, total int) {
		assert.Equal(t, 7, total)
		reports = append(reports, done)
	})

	assert.Equal(t, Result{Processed: 7, Tagged: 2, Failed: 1}, res)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, reports, "total is reported before the first result")
	assert.Len(t, cls.seen, 7, "every article is attempted")
	assert.LessOrEqual(t, int(cls.peak.Load()), DefaultBatchSize)
	assert.Equal(t, map[string]bool{
		"https://example.com/a1": true,
		"https://example.com/a6": true,
	}, tagger.tagged)
}

func TestBatchesRunSequentially(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]string
		current []string
	)
	cls := ClassifierFunc(func(_ context.Context, title, _ string, _ model.OllamaSettings) (bool, error) {
		mu.Lock()
		current = append(current, title)
		mu.Unlock()
		return false, nil
	})
	d := New(cls, &fakeTagger{tagged: map[string]bool{}}, WithBatchSize(5), quiet())

	res := d.Run(context.Background(), articles(7), model.OllamaSettings{}, func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if done > 0 && (done == 5 || done == total) {
			batches = append(batches, current)
			current = nil
		}
	})

	assert.Equal(t, 7, res.Processed)
	require.Len(t, batches, 2)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3", "a4", "a5"}, batches[0])
	assert.ElementsMatch(t, []string{"a6", "a7"}, batches[1])
}

func TestSkipsAlreadyTagged(t *testing.T) {
	cls := &fakeClassifier{}
	all := articles(4)
	all[0].IsAIArticle = true
	tagger := &fakeTagger{tagged: map[string]bool{all[1].Link: true}}

	var total int
	res := New(cls, tagger, quiet()).Run(context.Background(), all, model.OllamaSettings{}, func(_, t int) { total = t })

	assert.Equal(t, 2, total)
	assert.Equal(t, 2, res.Processed)
	assert.ElementsMatch(t, []string{"a3", "a4"}, cls.seen)
}

func TestTaggingFailureCountsAsFailed(t *testing.T) {
	cls := &fakeClassifier{positive: map[string]bool{"a1": true}}
	tagger := &fakeTagger{tagged: map[string]bool{}, err: errors.New("store offline")}

	res := New(cls, tagger, quiet()).Run(context.Background(), articles(2), model.OllamaSettings{}, nil)
	assert.Equal(t, Result{Processed: 2, Tagged: 0, Failed: 1}, res)
}

func TestEmptyRun(t *testing.T) {
	res := New(&fakeClassifier{}, &fakeTagger{tagged: map[string]bool{}}, quiet()).
		Run(context.Background(), nil, model.OllamaSettings{}, nil)
	assert.Equal(t, Result{}, res)
}

func TestJobSingleRunAtATime(t *testing.T) {
	release := make(chan struct{})
	cls := ClassifierFunc(func(context.Context, string, string, model.OllamaSettings) (bool, error) {
		<-release
		return true, nil
	})
	tagger := &fakeTagger{tagged: map[string]bool{}}
	job := NewJob(New(cls, tagger, quiet()))

	require.NoError(t, job.Start(context.Background(), articles(3), model.OllamaSettings{}))
	assert.True(t, job.Status().Running)
	assert.ErrorIs(t, job.Start(context.Background(), articles(3), model.OllamaSettings{}), ErrRunning)

	close(release)
	job.Wait()

	st := job.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.Equal(t, Result{Processed: 3, Tagged: 3}, *st.Last)
	assert.Equal(t, 3, st.Done)
}

func TestJobReportsTotalBeforeFirstResult(t *testing.T) {
	release := make(chan struct{})
	cls := ClassifierFunc(func(context.Context, string, string, model.OllamaSettings) (bool, error) {
		<-release
		return false, nil
	})
	job := NewJob(New(cls, &fakeTagger{tagged: map[string]bool{}}, quiet()))

	require.NoError(t, job.Start(context.Background(), articles(7), model.OllamaSettings{}))
	require.Eventually(t, func() bool { return job.Status().Total == 7 }, time.Second, 5*time.Millisecond)
	st := job.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 0, st.Done, "first batch is still blocked")

	close(release)
	job.Wait()
	assert.Equal(t, 7, job.Status().Done)
}
