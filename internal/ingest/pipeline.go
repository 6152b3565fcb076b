package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"bot-match/internal/classify"
	"bot-match/internal/metrics"
	"bot-match/internal/repo"
	"bot-match/internal/translate"
	"bot-match/internal/wa"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// Outcome labels how processing of one event ended.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeEmpty     Outcome = "empty"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeFailed    Outcome = "failed"
)

const mediaURLPrefix = "/images/"

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type Translator interface {
	Translate(ctx context.Context, text string) (translate.Result, error)
}

type Classifier interface {
	Classify(ctx context.Context, text string) classify.Result
}

// Store persists accepted messages and the contact directory.
type Store interface {
	InsertContactIfAbsent(ctx context.Context, contact repo.Contact) (bool, error)
	InsertClassifiedMessage(ctx context.Context, msg repo.ClassifiedMessage) (*repo.ClassifiedMessage, error)
	SetMessageLink(ctx context.Context, id, link string) error
}

// MatchTrigger starts a matcher run without waiting for it.
type MatchTrigger interface {
	Trigger(ctx context.Context)
}

// Config holds pipeline settings.
type Config struct {
	MediaDir string
	AppURL   string
}

// Pipeline turns inbound messages into classified records.
type Pipeline struct {
	cfg        Config
	rawLog     *RawLog
	translator Translator
	classifier Classifier
	store      Store
	matcher    MatchTrigger
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config, rawLog *RawLog, translator Translator, classifier Classifier, store Store, matcher MatchTrigger, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		rawLog:     rawLog,
		translator: translator,
		classifier: classifier,
		store:      store,
		matcher:    matcher,
		logger:     logger.With("component", "ingest"),
		metrics:    m,
	}
}

// ProcessMessage implements wa.MessageProcessor.
func (p *Pipeline) ProcessMessage(ctx context.Context, in wa.Inbound) {
	outcome, err := p.Process(ctx, in)
	if err != nil {
		p.logger.Error("process message failed", "session_id", in.SessionID, "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("ingest").Inc()
		}
	}
	if p.metrics != nil {
		p.metrics.PipelineOutcomes.WithLabelValues(string(outcome)).Inc()
	}
}

// Process runs every stage for one event and reports where it stopped.
func (p *Pipeline) Process(ctx context.Context, in wa.Inbound) (Outcome, error) {
	evt := in.Event
	if evt == nil || evt.Message == nil {
		return OutcomeIgnored, nil
	}
	if evt.Info.IsFromMe || evt.Info.Chat == types.StatusBroadcastJID {
		return OutcomeIgnored, nil
	}

	content := Extract(evt)
	if strings.TrimSpace(content.Text) == "" {
		return OutcomeEmpty, nil
	}
	logger := p.logger.With("session_id", in.SessionID, "from", content.Number, "message_id", content.MessageID)

	var image *string
	if content.HasImage && in.Media != nil {
		ref, err := p.saveImage(ctx, in.Media, evt.Message, content.MessageID)
		if err != nil {
			logger.Warn("image download failed", "error", err)
		} else {
			image = &ref
		}
	}
	price := ExtractPrice(content.Text)

	written, err := p.rawLog.Append(Record{
		Number:    content.Number,
		Name:      content.Name,
		Message:   content.Text,
		Price:     price,
		Image:     image,
		Type:      content.Kind,
		Timestamp: content.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		MessageID: content.MessageID,
	})
	switch {
	case err != nil:
		logger.Error("raw log append failed", "error", err)
	case !written:
		logger.Info("duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	translated, language := content.Text, "unknown"
	if res, err := p.translator.Translate(ctx, content.Text); err != nil {
		logger.Warn("translation failed, keeping original text", "error", err)
	} else {
		translated, language = res.Text, res.Language
	}

	decision := p.classifier.Classify(ctx, translated)
	if decision.Category != repo.CategoryOrder && decision.Category != repo.CategoryOffer {
		logger.Info("message filtered", "category", decision.Category, "source", decision.Source)
		return OutcomeFiltered, nil
	}

	if _, err := p.store.InsertContactIfAbsent(ctx, repo.Contact{Number: content.Number, Name: content.Name}); err != nil {
		logger.Error("contact upsert failed", "error", err)
	}

	saved, err := p.store.InsertClassifiedMessage(ctx, repo.ClassifiedMessage{
		Number:     content.Number,
		Name:       content.Name,
		Text:       content.Text,
		Translated: translated,
		Language:   language,
		Price:      price,
		Image:      image,
		Category:   decision.Category,
		CreatedAt:  content.Timestamp.UTC(),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("persist classified message: %w", err)
	}

	link := fmt.Sprintf("%s/index.html#msg-%s", strings.TrimRight(p.cfg.AppURL, "/"), saved.ID)
	if err := p.store.SetMessageLink(ctx, saved.ID, link); err != nil {
		logger.Error("attach message link failed", "id", saved.ID, "error", err)
	}

	logger.Info("message accepted", "id", saved.ID, "category", decision.Category, "source", decision.Source)
	if p.matcher != nil {
		p.matcher.Trigger(ctx)
	}
	return OutcomeAccepted, nil
}

func (p *Pipeline) saveImage(ctx context.Context, media wa.MediaDownloader, msg *waProto.Message, messageID string) (string, error) {
	data, _, err := media.DownloadMedia(ctx, msg)
	if err != nil {
		return "", err
	}
	name := imageFileName(messageID)
	if err := writeImage(p.cfg.MediaDir, name, data); err != nil {
		return "", err
	}
	return mediaURLPrefix + name, nil
}

func imageFileName(messageID string) string {
	name := unsafeFileChars.ReplaceAllString(messageID, "_")
	if name == "" {
		name = fmt.Sprintf("img_%d", time.Now().UnixNano())
	}
	return name + ".jpg"
}

func writeImage(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}
