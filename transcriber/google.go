package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Google streams to Cloud Speech-to-Text. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS unless client options say otherwise.
type Google struct {
	Model string
	opts  []option.ClientOption
}

func NewGoogle(model string, opts ...option.ClientOption) *Google {
	if model == "" {
		model = "latest_long"
	}
	return &Google{Model: model, opts: opts}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Dial(ctx context.Context, cfg Config) (Stream, error) {
	if cfg.Encoding != "" && !strings.EqualFold(cfg.Encoding, "linear16") {
		return nil, fmt.Errorf("google: unsupported encoding %q", cfg.Encoding)
	}
	client, err := speech.NewClient(ctx, g.opts...)
	if err != nil {
		return nil, classifyGRPC(fmt.Errorf("google speech client: %w", err))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, classifyGRPC(fmt.Errorf("google streaming recognize: %w", err))
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               cfg.Language,
					Model:                      g.Model,
					EnableAutomaticPunctuation: cfg.Punctuate,
					EnableWordTimeOffsets:      true,
					EnableWordConfidence:       true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, classifyGRPC(fmt.Errorf("google streaming config: %w", err))
	}

	return &googleStream{client: client, stream: stream, cancel: cancel}, nil
}

type googleStream struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	pending []Message
}

func (s *googleStream) Send(pcm []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
}

// CloseSend half-closes the gRPC stream; the server answers with its last
// final results and then io.EOF.
func (s *googleStream) CloseSend() error {
	return s.stream.CloseSend()
}

func (s *googleStream) Recv() (Message, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return Message{}, io.EOF
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return Message{}, io.EOF
			}
			return Message{}, classifyGRPC(err)
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			return Message{}, classifyGRPC(status.ErrorProto(resp.Error))
		}
		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			s.pending = append(s.pending, Message{Metadata: &Metadata{Type: "UtteranceEnd"}})
		}
		for _, r := range resp.Results {
			s.pending = append(s.pending, Message{Transcript: googleTranscript(r)})
		}
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, nil
}

func (s *googleStream) Close() error {
	s.cancel()
	return s.client.Close()
}

func googleTranscript(r *speechpb.StreamingRecognitionResult) *TranscriptEvent {
	ev := &TranscriptEvent{
		IsFinal:     r.IsFinal,
		SpeechFinal: r.IsFinal,
		End:         r.ResultEndTime.AsDuration(),
	}
	if len(r.Alternatives) == 0 {
		return ev
	}
	alt := r.Alternatives[0]
	ev.Text = strings.TrimSpace(alt.Transcript)
	ev.Confidence = float64(alt.Confidence)
	for _, w := range alt.Words {
		ev.Words = append(ev.Words, Word{
			Text:       w.Word,
			Start:      w.StartTime.AsDuration(),
			End:        w.EndTime.AsDuration(),
			Confidence: float64(w.Confidence),
		})
	}
	if len(ev.Words) > 0 {
		ev.Start = ev.Words[0].Start
	}
	return ev
}

// classifyGRPC maps gRPC status codes onto the transcriber taxonomy.
func classifyGRPC(err error) error {
	if err == nil || errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrNetwork) {
		return err
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if strings.Contains(err.Error(), "credentials") {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
