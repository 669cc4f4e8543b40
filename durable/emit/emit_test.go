package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		ExecutionID: "exec-1",
		OperationID: "op-1",
		Name:        "charge",
		Msg:         MsgOperationRetry,
		Meta:        map[string]interface{}{"attempt": 2},
	})
	emitter.Emit(Event{ExecutionID: "exec-1", Msg: MsgExecutionEnd})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	want := `[operation_retry] executionID=exec-1 operationID=op-1 name=charge meta={"attempt":2}`
	if lines[0] != want {
		t.Errorf("line 0 = %q, want %q", lines[0], want)
	}
	if lines[1] != "[execution_end] executionID=exec-1" {
		t.Errorf("line 1 = %q, want %q", lines[1], "[execution_end] executionID=exec-1")
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ExecutionID: "exec-1", OperationID: "op-1", Msg: MsgOperationStart})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if decoded["executionID"] != "exec-1" {
		t.Errorf("executionID = %v, want exec-1", decoded["executionID"])
	}
	if decoded["msg"] != MsgOperationStart {
		t.Errorf("msg = %v, want %s", decoded["msg"], MsgOperationStart)
	}
}

func TestLogEmitter_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitter.Emit(Event{ExecutionID: "exec", Msg: MsgOperationStart, Meta: map[string]interface{}{"k": "v"}})
		}()
	}
	wg.Wait()

	for i, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !json.Valid([]byte(line)) {
			t.Fatalf("line %d is not valid JSON: %q", i, line)
		}
	}
}

func TestBufferedEmitter_Filter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{ExecutionID: "e1", OperationID: "a", Name: "fetch", Msg: MsgOperationStart})
	b.Emit(Event{ExecutionID: "e1", OperationID: "a", Name: "fetch", Msg: MsgOperationRetry})
	b.Emit(Event{ExecutionID: "e1", OperationID: "b", Name: "charge", Msg: MsgOperationStart})
	b.Emit(Event{ExecutionID: "e2", OperationID: "a", Msg: MsgOperationStart})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"no filter", HistoryFilter{}, 3},
		{"by operation", HistoryFilter{OperationID: "a"}, 2},
		{"by name", HistoryFilter{Name: "charge"}, 1},
		{"by msg", HistoryFilter{Msg: MsgOperationStart}, 2},
		{"combined", HistoryFilter{OperationID: "a", Msg: MsgOperationRetry}, 1},
		{"no match", HistoryFilter{Msg: MsgExecutionEnd}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.GetHistoryWithFilter("e1", tt.filter)
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
			if got == nil {
				t.Error("expected empty slice, got nil")
			}
		})
	}

	if n := b.Count("e1", MsgOperationStart); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	b.Clear("e1")
	if n := len(b.GetHistory("e1")); n != 0 {
		t.Errorf("after Clear(e1) len = %d, want 0", n)
	}
	if n := len(b.GetHistory("e2")); n != 1 {
		t.Errorf("Clear(e1) removed e2 events: len = %d", n)
	}
	b.Clear("")
	if n := len(b.GetHistory("e2")); n != 0 {
		t.Errorf("after Clear(\"\") len = %d, want 0", n)
	}
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	Multi{a, nil, b}.Emit(Event{ExecutionID: "e", Msg: MsgExecutionStart})

	if len(a.GetHistory("e")) != 1 || len(b.GetHistory("e")) != 1 {
		t.Error("expected both emitters to receive the event")
	}
}

func TestNullEmitter(t *testing.T) {
	var e Emitter = NewNullEmitter()
	e.Emit(Event{ExecutionID: "e", Msg: MsgExecutionStart})
}

func attributeMap(kvs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("test"))
	emitter.Emit(Event{
		ExecutionID: "exec-1",
		OperationID: "op-1",
		Name:        "charge",
		Msg:         MsgOperationRetry,
		Meta: map[string]interface{}{
			"attempt":  2,
			"delay_ms": int64(5000),
			"custom":   true,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgOperationRetry {
		t.Errorf("span name = %q, want %q", span.Name, MsgOperationRetry)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["durable.execution_id"]; got != "exec-1" {
		t.Errorf("execution_id = %v, want exec-1", got)
	}
	if got := attrs["durable.operation_id"]; got != "op-1" {
		t.Errorf("operation_id = %v, want op-1", got)
	}
	if got := attrs["durable.name"]; got != "charge" {
		t.Errorf("name = %v, want charge", got)
	}
	if got := attrs["durable.attempt"]; got != int64(2) {
		t.Errorf("attempt = %v, want 2", got)
	}
	if got := attrs["durable.delay_ms"]; got != int64(5000) {
		t.Errorf("delay_ms = %v, want 5000", got)
	}
	if got := attrs["custom"]; got != true {
		t.Errorf("custom = %v, want true", got)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("test"))
	emitter.Emit(Event{
		ExecutionID: "exec-1",
		Msg:         MsgOperationFailed,
		Meta:        map[string]interface{}{"error": "card declined", "duration_ms": int64(250)},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "card declined" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "card declined")
	}
	if span.EndTime.Sub(span.StartTime) < 250*time.Millisecond {
		t.Errorf("span duration = %v, want at least 250ms", span.EndTime.Sub(span.StartTime))
	}
}
