package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Emit(b, TaskStarted, "one")
	Emit(b, TaskFinished, "two") // a's buffer is full; dropped for a only

	ev := <-a
	assert.Equal(t, TaskStarted, ev.Type)
	assert.False(t, ev.Time.IsZero())
	select {
	case extra := <-a:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
	assert.EqualValues(t, 1, b.Dropped())

	require.Len(t, c, 2)
	assert.Equal(t, "one", (<-c).Data)
	assert.Equal(t, "two", (<-c).Data)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	Emit(b, QuotaAlert, nil)
}

func TestTopicFilter(t *testing.T) {
	t.Parallel()
	b := New()
	quota, unsub := b.Subscribe(4, QuotaAlert, QuotaReset)
	defer unsub()

	Emit(b, TaskStarted, nil)
	Emit(b, QuotaReset, "gemini_cli")
	Emit(b, TaskFailed, nil)

	require.Len(t, quota, 1)
	assert.Equal(t, QuotaReset, (<-quota).Type)
	assert.Zero(t, b.Dropped())
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := b.Subscribe(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Emit(b, TaskRetry, j)
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, TaskFailed, nil)
}
