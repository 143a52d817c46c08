package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/internal/broker"
	"github.com/BaSui01/voxflow/internal/latency"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/internal/telemetry"
)

// event 一个待处理的音频或文本事件
type event struct {
	id        string
	kind      string
	audio     []byte
	text      string
	timestamp int64

	sessionID string
	mode      session.Mode
	settings  InitConfig
	keyID     uint
}

// eventRun 单个事件的执行状态
type eventRun struct {
	c       *connection
	ev      event
	tracker *latency.Tracker
	logger  *zap.Logger
	// 失败并降级的阶段数，每个计入一次会话错误
	failures int
}

// runEvent 执行一个事件的完整流水线；panic 转为 HANDLER_ERROR 通知客户端
func (c *connection) runEvent(ev event) {
	run := &eventRun{
		c:       c,
		ev:      ev,
		tracker: latency.NewTracker(ev.timestamp, c.gw.now),
		logger: c.logger.With(
			zap.String("session_id", ev.sessionID),
			zap.String("event_id", ev.id),
		),
	}

	ctx, span := telemetry.StartSpan(c.ctx, "gateway.event",
		attribute.String("event.id", ev.id),
		attribute.String("event.type", ev.kind),
		attribute.String("session.id", ev.sessionID),
	)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Op: ev.kind, Err: fmt.Errorf("panic: %v", r)}
		}
		telemetry.EndSpan(span, err)
		switch {
		case err == nil:
		case c.ctx.Err() != nil:
			run.logger.Debug("event abandoned", zap.Error(err))
		default:
			c.reportError(ev.id, &HandlerError{Op: ev.kind, Err: err})
		}
	}()

	err = run.execute(ctx)
}

func (r *eventRun) execute(ctx context.Context) error {
	text, ok, err := r.sttStage(ctx)
	if err != nil || !ok {
		return err
	}

	reply, err := r.agentStage(ctx, text)
	if err != nil {
		return err
	}

	if r.ev.mode != session.ModeText {
		if err := r.ttsStage(ctx, reply); err != nil {
			return err
		}
	}

	return r.metricsStage(ctx)
}

// =============================================================================
// 🗣️ STT
// =============================================================================

// sttStage 返回最终文本；ok 为 false 表示只有中间结果或识别为空，事件到此结束
func (r *eventRun) sttStage(ctx context.Context) (string, bool, error) {
	c := r.c

	if r.ev.kind == TypeTextInput {
		text := strings.TrimSpace(r.ev.text)
		r.tracker.Record(latency.StageSTT, 0)
		return text, true, c.send(r.ev.id, &STTFinalMessage{
			Text:       text,
			Confidence: 1,
			Language:   r.ev.settings.Language,
		})
	}

	req := broker.STTRequest{
		SessionID:  r.ev.sessionID,
		Audio:      r.ev.audio,
		Format:     r.ev.settings.Format,
		SampleRate: r.ev.settings.SampleRate,
		Language:   r.ev.settings.Language,
	}

	sctx, span := telemetry.StartSpan(ctx, "pipeline.stt")
	stop := r.tracker.Begin(latency.StageSTT)
	res, err := c.gw.pipeline.ProcessSTTChunk(sctx, req)
	d := stop()
	telemetry.EndSpan(span, err)
	r.observeStage(ctx, latency.StageSTT, d)

	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		r.degrade(latency.StageSTT, err)
		res = c.gw.placeholder.STT(req)
	}

	text := strings.TrimSpace(res.Text)
	final := !res.Partial || utf8.RuneCountInString(text) >= c.gw.cfg.MinFinalTextLength
	if res.Partial {
		if err := c.send(r.ev.id, &STTPartialMessage{Text: text, Confidence: res.Confidence}); err != nil {
			return "", false, err
		}
	}
	if !final || (res.Partial && text == "") {
		return "", false, nil
	}

	err = c.send(r.ev.id, &STTFinalMessage{
		Text:       text,
		Confidence: res.Confidence,
		Language:   res.Language,
		Duration:   res.Duration,
		Latency:    latency.Millis(d),
	})
	// 空白识别结果只回 stt_final，不进入后续阶段
	return text, err == nil && text != "", err
}

// =============================================================================
// 🤖 Agent
// =============================================================================

func (r *eventRun) agentStage(ctx context.Context, text string) (string, error) {
	c := r.c
	if err := c.send(r.ev.id, &AgentThinkingMessage{Status: "processing"}); err != nil {
		return "", err
	}

	req := broker.AgentRequest{
		SessionID: r.ev.sessionID,
		Text:      text,
		Mode:      string(r.ev.mode),
	}

	actx, span := telemetry.StartSpan(ctx, "pipeline.agent")
	stop := r.tracker.Begin(latency.StageAgent)
	res, err := c.gw.pipeline.CallAgent(actx, req)
	d := stop()
	telemetry.EndSpan(span, err)
	r.observeStage(ctx, latency.StageAgent, d)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.degrade(latency.StageAgent, err)
		res = c.gw.placeholder.Agent(req)
	}

	return res.Text, c.send(r.ev.id, &AgentReplyMessage{
		Text:      res.Text,
		Timestamp: c.gw.now().UnixMilli(),
	})
}

// =============================================================================
// 🔊 TTS
// =============================================================================

// ttsStage 优先流式输出；流式失败且尚未输出任何分片时改为整段合成，
// 整段合成也失败（或流式阶段已按整段执行过）则使用降级提示音
func (r *eventRun) ttsStage(ctx context.Context, text string) error {
	c := r.c
	req := broker.TTSRequest{
		SessionID: r.ev.sessionID,
		Text:      text,
		Voice:     r.ev.settings.Voice,
		Format:    r.ev.settings.Format,
	}

	tctx, span := telemetry.StartSpan(ctx, "pipeline.tts")
	stop := r.tracker.Begin(latency.StageTTS)

	var sendErr error
	summary, err := c.gw.pipeline.StreamTTS(tctx, req, func(ch broker.TTSChunk) error {
		sendErr = c.send(r.ev.id, &TTSChunkMessage{Chunk: ch.Data, Sequence: ch.Sequence, Done: ch.Done})
		return sendErr
	})
	duration := summary.Duration

	switch {
	case sendErr != nil:
		d := stop()
		telemetry.EndSpan(span, sendErr)
		r.observeStage(ctx, latency.StageTTS, d)
		return sendErr

	case err != nil && ctx.Err() != nil:
		stop()
		telemetry.EndSpan(span, err)
		return ctx.Err()

	case err != nil && summary.Chunks == 0:
		var res broker.TTSResult
		ferr := err
		if !errors.Is(err, broker.ErrWholeResultTried) {
			r.logger.Warn("tts streaming failed, falling back to single chunk", zap.Error(err))
			res, ferr = c.gw.pipeline.CallTTS(tctx, req)
			if ferr != nil {
				ferr = errors.Join(err, ferr)
			}
		}
		if ferr != nil {
			if ctx.Err() != nil {
				stop()
				telemetry.EndSpan(span, ferr)
				return ctx.Err()
			}
			r.degrade(latency.StageTTS, ferr)
			res = c.gw.placeholder.TTS(req)
		}
		duration = res.Duration
		if err := c.send(r.ev.id, &TTSChunkMessage{Chunk: res.Audio, Sequence: 0, Done: true}); err != nil {
			stop()
			telemetry.EndSpan(span, err)
			return err
		}

	case err != nil:
		// 已输出部分分片，补一个结束片让客户端停止等待
		r.degrade(latency.StageTTS, err)
		if err := c.send(r.ev.id, &TTSChunkMessage{Sequence: summary.Chunks, Done: true}); err != nil {
			stop()
			telemetry.EndSpan(span, err)
			return err
		}
	}

	d := stop()
	telemetry.EndSpan(span, err)
	r.observeStage(ctx, latency.StageTTS, d)

	return c.send(r.ev.id, &TTSCompleteMessage{
		Duration: duration,
		Latency:  latency.Millis(d),
	})
}

// =============================================================================
// 📈 Metrics
// =============================================================================

func (r *eventRun) metricsStage(ctx context.Context) error {
	c := r.c
	g := c.gw

	entry := r.tracker.Finish()
	g.aggregator.Record(entry)

	e2e := time.Duration(entry.EndToEndMs * float64(time.Millisecond))
	g.collector.RecordEndToEnd(e2e)
	g.recorder.RecordEndToEnd(ctx, e2e)

	if _, err := g.sessions.RecordLatency(r.ev.sessionID, entry.EndToEndMs); err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
		r.logger.Debug("session ended before event completed")
	}
	for i := 0; i < r.failures; i++ {
		if _, err := g.sessions.RecordError(r.ev.sessionID); err != nil {
			break
		}
	}

	if g.keys != nil && r.ev.keyID != 0 {
		if err := g.keys.IncrementUsage(ctx, r.ev.keyID, 1); err != nil {
			r.logger.Warn("failed to record api key usage", zap.Error(err))
		}
	}

	return c.send(r.ev.id, &MetricsMessage{
		STTLatency:        entry.STTMs,
		TTSLatency:        entry.TTSMs,
		AgentLatency:      entry.AgentMs,
		EndToEndLatency:   entry.EndToEndMs,
		ActiveConnections: g.ActiveConnections(),
		QueueDepth:        g.pipeline.QueueDepth(),
	})
}

// degrade 记录阶段失败；阶段改用降级结果继续
func (r *eventRun) degrade(stage latency.Stage, err error) {
	r.failures++
	r.c.gw.collector.RecordStageDegraded(string(stage))
	r.logger.Error("pipeline stage failed, using degraded result",
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
}

func (r *eventRun) observeStage(ctx context.Context, stage latency.Stage, d time.Duration) {
	r.c.gw.collector.RecordStage(string(stage), d)
	r.c.gw.recorder.RecordStage(ctx, string(stage), d)
}
