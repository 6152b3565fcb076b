package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bot-match/internal/matcher"
	"bot-match/internal/wa"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const artifactTwoOffers = `[
  {
    "order": {"number": "923001111111", "name": "Ali", "message": "need iphone 13", "translated": "need iphone 13", "language": "en", "price": "", "timestamp": "2024-05-01 10:00:00", "link": ""},
    "matches": [
      {"offer": {"number": "923002222222", "name": "Bilal", "message": "iphone 13 available", "translated": "iphone 13 available", "language": "en", "price": 95000, "timestamp": "2024-05-01 11:00:00", "link": ""}, "score": 87.5},
      {"offer": {"number": "923003333333", "name": "", "message": "iphone 13 stock", "translated": "iphone 13 stock", "language": "en", "price": null, "timestamp": "2024-05-01 12:00:00", "link": ""}, "score": 71}
    ]
  }
]`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu         sync.Mutex
	recipients []wa.Recipient
}

func (s *fakeSource) set(r ...wa.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = r
}

func (s *fakeSource) LiveRecipients() []wa.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wa.Recipient(nil), s.recipients...)
}

type delivery struct {
	to   string
	text string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []delivery
	failTo string
}

func (s *fakeSender) Deliver(_ context.Context, to wa.Recipient, text string) error {
	if to.Number == s.failTo {
		return errors.New("socket closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, delivery{to: to.Number, text: text})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type dispatcherFixture struct {
	d        *Dispatcher
	source   *fakeSource
	sender   *fakeSender
	ledger   *Ledger
	artifact string
	ledgerAt string
}

func newDispatcherFixture(t *testing.T, artifact string) *dispatcherFixture {
	t.Helper()
	dir := t.TempDir()
	f := &dispatcherFixture{
		source:   &fakeSource{},
		sender:   &fakeSender{},
		artifact: filepath.Join(dir, "match_results.json"),
		ledgerAt: filepath.Join(dir, "sent_matches.json"),
	}
	if artifact != "" {
		require.NoError(t, os.WriteFile(f.artifact, []byte(artifact), 0o644))
	}
	f.ledger = LoadLedger(f.ledgerAt, testLogger())
	f.d = NewDispatcher(Config{
		ArtifactPath: f.artifact,
		AppURL:       "http://app.local",
		Location:     time.UTC,
	}, f.ledger, f.source, f.sender, testLogger(), nil)
	return f
}

func TestTickWithoutArtifactIsNoop(t *testing.T) {
	f := newDispatcherFixture(t, "")
	f.source.set(wa.Recipient{SessionID: "a", Number: "923000000001"})
	f.d.RefreshRecipients()

	require.NoError(t, f.d.Tick(context.Background()))
	assert.Zero(t, f.sender.count())
	assert.NoFileExists(t, f.ledgerAt)
}

func TestTickAnnouncesEachMatchOnce(t *testing.T) {
	f := newDispatcherFixture(t, artifactTwoOffers)
	f.source.set(
		wa.Recipient{SessionID: "a", Number: "923000000001"},
		wa.Recipient{SessionID: "b", Number: "923000000002"},
	)
	f.d.RefreshRecipients()
	ctx := context.Background()

	require.NoError(t, f.d.Tick(ctx))
	assert.Equal(t, 4, f.sender.count())
	assert.Equal(t, 2, f.ledger.Len())

	require.NoError(t, f.d.Tick(ctx))
	assert.Equal(t, 4, f.sender.count())

	reloaded := LoadLedger(f.ledgerAt, testLogger())
	assert.True(t, reloaded.Contains("923001111111_2024-05-01 10:00:00_923002222222_2024-05-01 11:00:00"))
	assert.True(t, reloaded.Contains("923001111111_2024-05-01 10:00:00_923003333333_2024-05-01 12:00:00"))
}

func TestTickDefersWhenNoRecipients(t *testing.T) {
	f := newDispatcherFixture(t, artifactTwoOffers)
	f.d.RefreshRecipients()
	ctx := context.Background()

	require.NoError(t, f.d.Tick(ctx))
	assert.Zero(t, f.sender.count())
	assert.Zero(t, f.ledger.Len())

	f.source.set(wa.Recipient{SessionID: "a", Number: "923000000001"})
	f.d.RefreshRecipients()

	require.NoError(t, f.d.Tick(ctx))
	assert.Equal(t, 2, f.sender.count())
	assert.Equal(t, 2, f.ledger.Len())
}

func TestTickUsesRecipientSnapshot(t *testing.T) {
	f := newDispatcherFixture(t, artifactTwoOffers)
	f.d.RefreshRecipients()
	f.source.set(wa.Recipient{SessionID: "a", Number: "923000000001"})

	require.NoError(t, f.d.Tick(context.Background()))
	assert.Zero(t, f.sender.count())
}

func TestTickMarksSentDespiteDeliveryFailure(t *testing.T) {
	f := newDispatcherFixture(t, artifactTwoOffers)
	f.sender.failTo = "923000000002"
	f.source.set(
		wa.Recipient{SessionID: "a", Number: "923000000001"},
		wa.Recipient{SessionID: "b", Number: "923000000002"},
	)
	f.d.RefreshRecipients()

	require.NoError(t, f.d.Tick(context.Background()))
	assert.Equal(t, 2, f.sender.count())
	assert.Equal(t, 2, f.ledger.Len())
}

func TestTickMalformedArtifact(t *testing.T) {
	f := newDispatcherFixture(t, `[{"order": `)
	f.source.set(wa.Recipient{SessionID: "a", Number: "923000000001"})
	f.d.RefreshRecipients()

	require.Error(t, f.d.Tick(context.Background()))
	assert.Zero(t, f.sender.count())
	assert.Zero(t, f.ledger.Len())
}

func TestLoadLedgerMalformedStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent_matches.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l := LoadLedger(path, testLogger())
	assert.Zero(t, l.Len())

	require.NoError(t, l.Add("x"))
	require.NoError(t, l.Add("x"))
	assert.Equal(t, 1, LoadLedger(path, testLogger()).Len())
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	f := newDispatcherFixture(t, artifactTwoOffers)
	f.d.cfg.Interval = 10 * time.Millisecond
	f.source.set(wa.Recipient{SessionID: "a", Number: "923000000001"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool { return f.ledger.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.sender.count())
}

func TestFormatAlert(t *testing.T) {
	groups, err := matcher.ParseGroups([]byte(artifactTwoOffers))
	require.NoError(t, err)
	c := Flatten(groups)[0]

	text := FormatAlert(c, "http://app.local/", time.UTC)

	assert.True(t, strings.HasPrefix(text, "👜 *New Match Found!*"))
	assert.Contains(t, text, "📞 923001111111 (Ali)")
	assert.Contains(t, text, "💬 need iphone 13")
	assert.Contains(t, text, "💰 Rs. N/A")
	assert.Contains(t, text, "💰 Rs. 95000")
	assert.Contains(t, text, "🕐 01/05/2024, 10:00:00")
	assert.Contains(t, text, "http://app.local/index.html#order=923001111111&timestamp=2024-05-01%2010%3A00%3A00")
	assert.Contains(t, text, "http://app.local/index.html#offer=923002222222&timestamp=2024-05-01%2011%3A00%3A00")
	assert.Contains(t, text, "🎯 *Match Score:* 87.5%")
}

func TestFlattenKeysCandidates(t *testing.T) {
	groups, err := matcher.ParseGroups([]byte(artifactTwoOffers))
	require.NoError(t, err)

	cands := Flatten(groups)
	require.Len(t, cands, 2)
	assert.Equal(t, "923001111111_2024-05-01 10:00:00_923003333333_2024-05-01 12:00:00", cands[1].ID)
	assert.InDelta(t, 71, cands[1].Score, 1e-9)
}
