package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/pipeline/mocks"
	"github.com/mattjoyce/parley/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "citation and blank line",
			reply: "Hi there【cite1】 \n\nHow can I help?",
			want:  []string{"Hi there", "How can I help?"},
		},
		{
			name:  "multiple blank lines collapse",
			reply: "one\n\n\n\ntwo",
			want:  []string{"one", "two"},
		},
		{
			name:  "single newline stays inside chunk",
			reply: "line one\nline two",
			want:  []string{"line one\nline two"},
		},
		{
			name:  "citation mid sentence",
			reply: "Opening hours are 9 to 5【4:0†hours.pdf】 on weekdays.",
			want:  []string{"Opening hours are 9 to 5on weekdays."},
		},
		{
			name:  "several citations are non-greedy",
			reply: "A【1】 B【2】 C",
			want:  []string{"ABC"},
		},
		{
			name:  "empty chunks dropped",
			reply: "\n\nonly\n\n   \n\n【x】 ",
			want:  []string{"only"},
		},
		{
			name:  "empty reply",
			reply: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitChunks(tt.reply))
		})
	}
}

func newItem(sink queue.Sink, st queue.StateAccessor, ch queue.Channel) queue.WorkItem {
	return queue.WorkItem{
		ID:       "item-1",
		Identity: "whatsapp:+15550000001",
		Message:  queue.Message{Body: "hello", MessageSID: "SM123"},
		Context:  queue.PipelineContext{Sink: sink, State: st, Channel: ch},
	}
}

func TestProcessDeliversChunksInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	st := mocks.NewMockStateAccessor(ctrl)
	ch := mocks.NewMockChannel(ctrl)

	gomock.InOrder(
		ch.EXPECT().Typing(gomock.Any(), "SM123").Return(nil),
		responder.EXPECT().Ask(gomock.Any(), st, "hello").Return("Hi there【cite1】 \n\nHow can I help?", nil),
		sink.EXPECT().Deliver(gomock.Any(), []string{"Hi there"}).Return(nil),
		sink.EXPECT().Deliver(gomock.Any(), []string{"How can I help?"}).Return(nil),
	)

	n, err := New(responder, true).Process(ctx, newItem(sink, st, ch))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProcessTypingFailureIsNotFatal(t *testing.T) {
	ctrl := gomock.NewController(t)

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	ch := mocks.NewMockChannel(ctrl)

	ch.EXPECT().Typing(gomock.Any(), "SM123").Return(errors.New("typing: 404"))
	responder.EXPECT().Ask(gomock.Any(), gomock.Any(), "hello").Return("ok", nil)
	sink.EXPECT().Deliver(gomock.Any(), []string{"ok"}).Return(nil)

	n, err := New(responder, true).Process(context.Background(), newItem(sink, nil, ch))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessTypingDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	ch := mocks.NewMockChannel(ctrl) // no Typing expectation

	responder.EXPECT().Ask(gomock.Any(), gomock.Any(), "hello").Return("ok", nil)
	sink.EXPECT().Deliver(gomock.Any(), []string{"ok"}).Return(nil)

	_, err := New(responder, false).Process(context.Background(), newItem(sink, nil, ch))
	require.NoError(t, err)
}

func TestProcessAssistantError(t *testing.T) {
	ctrl := gomock.NewController(t)

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	boom := errors.New("run failed")
	responder.EXPECT().Ask(gomock.Any(), gomock.Any(), "hello").Return("", boom)

	n, err := New(responder, false).Process(context.Background(), newItem(sink, nil, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
}

func TestProcessEmptyReply(t *testing.T) {
	ctrl := gomock.NewController(t)

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	responder.EXPECT().Ask(gomock.Any(), gomock.Any(), "hello").Return("【only a citation】 ", nil)

	_, err := New(responder, false).Process(context.Background(), newItem(sink, nil, nil))
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestProcessStopsOnDeliveryFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	responder := mocks.NewMockResponder(ctrl)
	sink := mocks.NewMockSink(ctrl)
	responder.EXPECT().Ask(gomock.Any(), gomock.Any(), "hello").Return("a\n\nb\n\nc", nil)
	gomock.InOrder(
		sink.EXPECT().Deliver(gomock.Any(), []string{"a"}).Return(nil),
		sink.EXPECT().Deliver(gomock.Any(), []string{"b"}).Return(errors.New("twilio: 429")),
	)

	n, err := New(responder, false).Process(context.Background(), newItem(sink, nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliver chunk 2/3")
	assert.Equal(t, 1, n)
}

func TestProcessRequiresSink(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, err := New(mocks.NewMockResponder(ctrl), false).Process(context.Background(), newItem(nil, nil, nil))
	assert.Error(t, err)
}
