package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type redisFake struct {
	channel string
	payload []byte
	err     error
}

func (f *redisFake) Publish(_ context.Context, channel string, message any) *goredis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return goredis.NewIntResult(1, f.err)
}

func TestRedisPublisherSendsJSON(t *testing.T) {
	fake := &redisFake{}
	p := NewRedisPublisher(fake, "", nil)
	event := domain.VersionEvent{Type: domain.EventVersionReady, VersionID: "v1", DocumentID: "d1", OccurredAt: time.Unix(0, 0).UTC()}

	if err := p.PublishVersionEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishVersionEvent() error = %v", err)
	}
	if fake.channel != "docflow.events" {
		t.Fatalf("channel = %s", fake.channel)
	}
	var got domain.VersionEvent
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.VersionID != "v1" || got.Type != domain.EventVersionReady {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestRedisPublisherWrapsFailuresAsTemporary(t *testing.T) {
	p := NewRedisPublisher(&redisFake{err: errors.New("connection refused")}, "events", nil)
	err := p.PublishVersionEvent(context.Background(), domain.VersionEvent{VersionID: "v1"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestFanoutReachesEveryPublisher(t *testing.T) {
	var buf bytes.Buffer
	logPub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	failing := NewRedisPublisher(&redisFake{err: errors.New("down")}, "events", nil)

	err := Fanout{failing, logPub}.PublishVersionEvent(context.Background(), domain.VersionEvent{
		Type: domain.EventVersionFailed, VersionID: "v9", Error: "extraction: corrupt",
	})
	if err == nil {
		t.Fatalf("expected first error to surface")
	}
	if !strings.Contains(buf.String(), `"version_id":"v9"`) || !strings.Contains(buf.String(), "extraction: corrupt") {
		t.Fatalf("log publisher not reached: %s", buf.String())
	}
}
