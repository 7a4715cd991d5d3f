package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kindredlabs/voice-core/internal/bus"
	"github.com/kindredlabs/voice-core/internal/config"
	"github.com/kindredlabs/voice-core/internal/history"
	"github.com/kindredlabs/voice-core/internal/llm"
	"github.com/kindredlabs/voice-core/internal/protocol"
	"github.com/kindredlabs/voice-core/internal/session"
	"github.com/kindredlabs/voice-core/internal/stt"
	"github.com/kindredlabs/voice-core/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Emitter delivers server events to the client. Implementations must be
// safe for concurrent use: generation and audio relay emit from separate
// goroutines.
type Emitter interface {
	Emit(eventType string, payload any) error
}

// StageError marks which pipeline stage failed so the gateway can report it
// in a single error event.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Coordinator runs one utterance end to end: transcription, generation with
// fan-out to the client and the synthesizer, and audio relay.
type Coordinator struct {
	cfg         config.Config
	transcriber stt.Transcriber
	generator   llm.Generator
	synth       tts.Streamer
	store       history.Store
	bus         *bus.Client
	logger      *slog.Logger

	tracer          trace.Tracer
	utteranceCount  metric.Int64Counter
	deltaCount      metric.Int64Counter
	audioChunkCount metric.Int64Counter
}

func NewCoordinator(cfg config.Config, transcriber stt.Transcriber, generator llm.Generator, synth tts.Streamer, store history.Store, busClient *bus.Client, logger *slog.Logger) *Coordinator {
	meter := otel.Meter("voice-core/pipeline")
	utterances, _ := meter.Int64Counter("voice_utterances_total",
		metric.WithDescription("Utterances processed, by outcome"))
	deltas, _ := meter.Int64Counter("voice_generation_deltas_total",
		metric.WithDescription("Generation deltas emitted to clients"))
	audioChunks, _ := meter.Int64Counter("voice_audio_chunks_total",
		metric.WithDescription("Synthesized audio chunks relayed to clients"))

	return &Coordinator{
		cfg:             cfg,
		transcriber:     transcriber,
		generator:       generator,
		synth:           synth,
		store:           store,
		bus:             busClient,
		logger:          logger.With(slog.String("component", "pipeline")),
		tracer:          otel.Tracer("voice-core/pipeline"),
		utteranceCount:  utterances,
		deltaCount:      deltas,
		audioChunkCount: audioChunks,
	}
}

// ProcessAudio handles one uploaded segment under the session's scope. A nil
// return with no events means the segment was silence. A StageError names
// the failing stage; context errors mean the session was torn down and no
// further events may be emitted for this utterance.
func (c *Coordinator) ProcessAudio(ctx context.Context, sess *session.Session, wav []byte, emit Emitter) error {
	if err := sess.BeginRun(); err != nil {
		return err
	}
	defer sess.EndRun()

	ctx, span := c.tracer.Start(ctx, "pipeline.utterance",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	start := time.Now()
	err := c.processAudio(ctx, sess, wav, emit)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	default:
		outcome = "error"
		span.RecordError(err)
	}
	c.utteranceCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	c.logger.Info("utterance finished",
		slog.String("session_id", sess.ID),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(start)))
	return err
}

func (c *Coordinator) processAudio(ctx context.Context, sess *session.Session, wav []byte, emit Emitter) error {
	userText, err := c.transcriber.Transcribe(ctx, wav, c.cfg.STT.Language)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StageError{Stage: "transcription", Err: err}
	}
	if strings.TrimSpace(userText) == "" {
		// Silence is normal: no further stages, no events.
		return nil
	}

	segmentID := strings.ReplaceAll(uuid.NewString(), "-", "")

	if sess.ConversationID != "" {
		if err := c.store.Append(ctx, sess.ConversationID, history.Message{Role: history.RoleUser, Text: userText}); err != nil {
			return &StageError{Stage: "history", Err: err}
		}
	}
	if err := emit.Emit(protocol.EventFinalTranscript, protocol.FinalTranscript{SegmentID: segmentID, Text: userText}); err != nil {
		return err
	}
	c.mirrorTranscript(sess, segmentID, userText)

	// runCtx stops generation, synthesis, and relay together when any of
	// them fails; the session scope is its parent.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	deltaSink := make(chan string) // unbuffered: both consumers pace the producer
	chunks, synthErrs := c.synth.Stream(runCtx, deltaSink)

	var assistant strings.Builder
	deltaIndex := 0
	genDone := make(chan error, 1)
	go func() {
		genErr := c.generator.Generate(runCtx, llm.Request{
			ConversationID: sess.ConversationID,
			System:         c.cfg.LLM.SystemPrompt,
			UserText:       userText,
			MaxTokens:      c.cfg.LLM.MaxTokens,
			Temperature:    c.cfg.LLM.Temperature,
		}, func(delta string) error {
			if delta == "" {
				return nil
			}
			if err := emit.Emit(protocol.EventGenerationDelta, protocol.GenerationDelta{
				SegmentID: segmentID,
				Text:      delta,
				Index:     deltaIndex,
			}); err != nil {
				return err
			}
			deltaIndex++
			assistant.WriteString(delta)
			select {
			case deltaSink <- delta:
				return nil
			case <-runCtx.Done():
				return runCtx.Err()
			}
		})
		close(deltaSink)
		if genErr == nil {
			// Signaled as soon as the text stream ends, independent of how
			// far synthesis has caught up.
			if err := emit.Emit(protocol.EventGenerationComplete, protocol.GenerationComplete{SegmentID: segmentID}); err != nil {
				genErr = err
			}
		}
		genDone <- genErr
	}()

	audioChunks := 0
	var genErr, synthErr error
	genPending := true
	relay := chunks
	pendingGen := genDone
	pendingSynth := synthErrs
	for relay != nil || genPending {
		select {
		case chunk, ok := <-relay:
			if !ok {
				relay = nil
				continue
			}
			if err := emit.Emit(protocol.EventAudioChunk, protocol.AudioChunk{
				SegmentID: segmentID,
				Seq:       chunk.Seq,
				Audio:     base64.StdEncoding.EncodeToString(chunk.Audio),
			}); err != nil {
				cancelRun()
				if genErr == nil {
					genErr = err
				}
				continue
			}
			audioChunks++
		case err := <-pendingGen:
			genPending = false
			pendingGen = nil
			if err != nil {
				genErr = err
				cancelRun()
			}
		case err, ok := <-pendingSynth:
			pendingSynth = nil
			if ok && err != nil {
				synthErr = err
				// Unblocks a generator stuck on the fan-out channel.
				cancelRun()
			}
		}
	}
	if pendingSynth != nil {
		if err, ok := <-pendingSynth; ok && err != nil {
			synthErr = err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	emitted := int64(deltaIndex)
	c.deltaCount.Add(ctx, emitted)
	c.audioChunkCount.Add(ctx, int64(audioChunks))

	if genErr != nil {
		if synthErr != nil && errors.Is(genErr, context.Canceled) {
			// Generation was only cancelled because synthesis broke first.
			return &StageError{Stage: "synthesis", Err: synthErr}
		}
		return &StageError{Stage: "generation", Err: genErr}
	}

	// Generation completed: the assistant turn is part of the conversation
	// even if synthesis broke down on the way out.
	if sess.ConversationID != "" && assistant.Len() > 0 {
		if err := c.store.Append(ctx, sess.ConversationID, history.Message{Role: history.RoleAssistant, Text: assistant.String()}); err != nil {
			return &StageError{Stage: "history", Err: err}
		}
	}

	if synthErr != nil {
		return &StageError{Stage: "synthesis", Err: synthErr}
	}

	if err := emit.Emit(protocol.EventPlaybackComplete, protocol.PlaybackComplete{SegmentID: segmentID}); err != nil {
		return err
	}
	c.mirrorCompletion(sess, segmentID, deltaIndex, audioChunks)
	return nil
}

func (c *Coordinator) mirrorTranscript(sess *session.Session, segmentID, text string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		SegmentID:      segmentID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	})
}

func (c *Coordinator) mirrorCompletion(sess *session.Session, segmentID string, deltas, audioChunks int) {
	if c.bus == nil {
		return
	}
	c.bus.PublishJSON(protocol.SubjectUtteranceComplete, protocol.UtteranceComplete{
		SessionID:   sess.ID,
		SegmentID:   segmentID,
		Deltas:      deltas,
		AudioChunks: audioChunks,
		Timestamp:   time.Now().UTC(),
	})
}
