package recognize

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/transcript"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxInlineAudio is the largest payload Cloud Speech accepts as inline
// content. Larger files must be referenced by gs:// URI.
const maxInlineAudio = 10 << 20

// GoogleOptions configures the Cloud Speech recognizer.
type GoogleOptions struct {
	CredentialsFile string
	Model           string // "" = API default
	Log             zerolog.Logger
}

type longRunningFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// Google recognizes LINEAR16 audio with Cloud Speech-to-Text long-running
// recognition, one result stream per channel.
type Google struct {
	client    *speech.Client
	model     string
	recognize longRunningFunc
	log       zerolog.Logger
}

func NewGoogle(ctx context.Context, opts GoogleOptions) (*Google, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	g := &Google{
		client: client,
		model:  opts.Model,
		log:    opts.Log.With().Str("component", "google-speech").Logger(),
	}
	g.recognize = g.longRunning
	return g, nil
}

func (g *Google) longRunning(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := g.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	g.log.Debug().Str("operation", op.Name()).Msg("recognition started")
	return op.Wait(ctx)
}

func (g *Google) Recognize(ctx context.Context, req pipeline.RecognizeRequest) (iter.Seq[transcript.Segment], error) {
	audio, err := recognitionAudio(req.File)
	if err != nil {
		return nil, err
	}
	resp, err := g.recognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                            speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:                     int32(req.SampleRateHertz),
			AudioChannelCount:                   int32(req.AudioChannelCount),
			EnableSeparateRecognitionPerChannel: true,
			LanguageCode:                        req.LanguageCode,
			Model:                               g.model,
		},
		Audio: audio,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, grpcFailure(err)
	}
	return resultSegments(resp.GetResults()), nil
}

func (g *Google) Close() error { return g.client.Close() }

// recognitionAudio references gs:// files by URI and inlines anything else
// from its local copy.
func recognitionAudio(file pipeline.FileHandle) (*speechpb.RecognitionAudio, error) {
	if strings.HasPrefix(file.URI, "gs://") {
		return &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: file.URI},
		}, nil
	}
	if file.LocalPath == "" {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio,
			"no gs:// URI or local copy for "+file.String(), nil)
	}
	fi, err := os.Stat(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	if fi.Size() > maxInlineAudio {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio,
			fmt.Sprintf("%d byte file is too large to send inline; store it in GCS", fi.Size()), nil)
	}
	data, err := os.ReadFile(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &speechpb.RecognitionAudio{
		AudioSource: &speechpb.RecognitionAudio_Content{Content: data},
	}, nil
}

// resultSegments yields results in arrival order.
func resultSegments(results []*speechpb.SpeechRecognitionResult) iter.Seq[transcript.Segment] {
	return func(yield func(transcript.Segment) bool) {
		for _, r := range results {
			seg := transcript.Segment{ChannelTag: int(r.GetChannelTag())}
			for _, alt := range r.GetAlternatives() {
				seg.Alternatives = append(seg.Alternatives, transcript.Alternative{
					Transcript: alt.GetTranscript(),
					Confidence: alt.GetConfidence(),
				})
			}
			if !yield(seg) {
				return
			}
		}
	}
}

// grpcFailure maps a Cloud Speech error to a transcribe-stage failure.
func grpcFailure(err error) *pipeline.Failure {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindAuthFailed, "speech API rejected credentials", err)
	case codes.InvalidArgument, codes.OutOfRange:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio, "speech API rejected the audio", err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindBackendUnavailable, "speech API unavailable", err)
	}
	return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindRecognizeFailed, "speech recognition failed", err)
}
