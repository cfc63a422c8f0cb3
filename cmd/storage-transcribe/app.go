package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/events"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/recognize"
	"github.com/snarg/storage-transcribe/internal/storage"
	"github.com/snarg/storage-transcribe/internal/transcode"
)

// app holds the components shared by serve and run.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store storage.Store
	orch  *pipeline.Orchestrator

	mqtt *events.MQTTPublisher

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Object store
	a.store, err = storage.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	log.Info().Str("backend", a.store.Type()).Msg("object store ready")

	scratch := cfg.ScratchDir
	if scratch != "" {
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return nil, fmt.Errorf("scratch dir: %w", err)
		}
	}

	// Transcoder
	ff := transcode.NewFFmpeg(transcode.Options{
		FFmpegPath:    cfg.FFmpegPath,
		FFprobePath:   cfg.FFprobePath,
		SampleRate:    cfg.TranscodeSampleRate,
		MaxSampleRate: cfg.MaxSampleRate,
		Log:           log,
	})
	if err := ff.Check(); err != nil {
		return nil, err
	}

	// Recognizer
	rec, err := a.newRecognizer(ctx, ff)
	if err != nil {
		return nil, err
	}

	// Outcome events
	var publisher events.Publisher
	if cfg.EventsEnabled() {
		publisher, err = a.connectEvents()
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("no MQTT broker configured, outcome events will only be logged")
	}

	a.orch = pipeline.New(pipeline.Options{
		Store:        a.store,
		Transcoder:   ff,
		Recognizer:   rec,
		Publisher:    publisher,
		Namespace:    cfg.EventNamespace,
		Source:       "storage-transcribe/" + a.store.Type(),
		OutputBucket: cfg.OutputBucket,
		OutputPrefix: cfg.OutputPrefix,
		LanguageCode: cfg.LanguageCode,
		ScratchDir:   scratch,
		Log:          log,
	})
	return a, nil
}

func (a *app) newRecognizer(ctx context.Context, ff *transcode.FFmpeg) (pipeline.Recognizer, error) {
	cfg := a.cfg
	switch cfg.Recognizer {
	case "google":
		g, err := recognize.NewGoogle(ctx, recognize.GoogleOptions{
			CredentialsFile: cfg.GCS.CredentialsFile,
			Model:           cfg.SpeechModel,
			Log:             a.log,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		a.log.Info().Str("model", cfg.SpeechModel).Msg("google speech recognizer ready")
		return g, nil
	default:
		a.log.Info().Str("url", cfg.WhisperURL).Str("model", cfg.WhisperModel).Msg("whisper recognizer ready")
		return recognize.NewWhisper(recognize.WhisperOptions{
			URL:        cfg.WhisperURL,
			Model:      cfg.WhisperModel,
			APIKey:     cfg.WhisperAPIKey,
			Timeout:    cfg.WhisperTimeout,
			Parallel:   cfg.WhisperParallel,
			ScratchDir: cfg.ScratchDir,
			Log:        a.log,
		}, ff), nil
	}
}

// connectEvents starts the embedded broker if configured and connects the
// MQTT publisher. The event allowlist wraps the publisher.
func (a *app) connectEvents() (events.Publisher, error) {
	cfg := a.cfg
	brokerURL := cfg.MQTTBrokerURL
	if cfg.MQTTEmbedded != "" {
		b, err := events.StartBroker(cfg.MQTTEmbedded, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		if brokerURL == "" {
			brokerURL = localBrokerURL(b.Addr())
		}
	}

	p, err := events.ConnectMQTT(events.MQTTOptions{
		BrokerURL:   brokerURL,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		QoS:         cfg.MQTTQoS,
		Log:         a.log,
	})
	if err != nil {
		return nil, err
	}
	a.mqtt = p
	a.closers = append(a.closers, func() error { p.Close(); return nil })
	a.log.Info().Str("broker", brokerURL).Str("namespace", cfg.EventNamespace).Msg("event publisher connected")

	selected := events.ParseList(cfg.SelectedEvents)
	if len(selected) > 0 {
		a.log.Info().Strs("events", selected).Msg("publishing selected events only")
	}
	return events.Filter(p, selected), nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// localBrokerURL turns a listen address into a dialable tcp:// URL.
// Wildcard hosts are dialed on loopback.
func localBrokerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "tcp://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}
