package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/diarization"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	speechAPIEndpointPort = 443
	minSpeakerCount       = 1
	maxSpeakerCount       = 6
)

type GoogleConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
}

// GoogleTransport opens Cloud Speech v2 streaming recognize sessions with
// speaker diarization. The service has no idle keepalive message.
type GoogleTransport struct {
	projectID       string
	credentialsJSON string
	location        string
}

func NewGoogleTransport(cfg GoogleConfig) *GoogleTransport {
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}
	return &GoogleTransport{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		location:        location,
	}
}

func (t *GoogleTransport) Dial(ctx context.Context, opts diarization.DialOptions) (diarization.Conn, error) {
	slog.Info("starting cloud speech streaming", "location", t.location, "language", opts.Language, "model", opts.Model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "detect credentials", err)
	}

	clientOpts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if t.location != "global" {
		clientOpts = append(clientOpts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, classifyStatus("dial", err)
	}
	// The stream outlives the dial context.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, classifyStatus("dial", err)
	}
	if err := stream.Send(t.configRequest(opts)); err != nil {
		cancel()
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, classifyStatus("send config", err)
	}
	slog.Info("cloud speech stream initialized")

	conn := newGoogleConn(stream, func() error {
		cancel()
		return client.Close()
	})
	go conn.recvLoop()
	return conn, nil
}

func (t *GoogleTransport) configRequest(opts diarization.DialOptions) *speechpb.StreamingRecognizeRequest {
	cfg := &speechpb.RecognitionConfig{
		Model:         opts.Model,
		LanguageCodes: []string{opts.Language},
		Features: &speechpb.RecognitionFeatures{
			EnableAutomaticPunctuation: opts.Punctuate,
			EnableWordConfidence:       true,
		},
	}
	if opts.Encoding == diarization.EncodingLinear16 {
		cfg.DecodingConfig = &speechpb.RecognitionConfig_ExplicitDecodingConfig{
			ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
				Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
				SampleRateHertz:   int32(opts.SampleRate),
				AudioChannelCount: int32(opts.Channels),
			},
		}
	} else {
		cfg.DecodingConfig = &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		}
	}
	if opts.Diarize {
		cfg.Features.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			MinSpeakerCount: minSpeakerCount,
			MaxSpeakerCount: maxSpeakerCount,
		}
	}
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: cfg,
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults: opts.InterimResults,
				},
			},
		},
	}
}

// recognizeStream is the part of speechpb.Speech_StreamingRecognizeClient the
// connection uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type googleConn struct {
	stream  recognizeStream
	closeFn func() error
	results chan diarization.Result
	done    chan struct{}
	stop    chan struct{}

	sendMu sync.Mutex

	mu      sync.Mutex
	err     error
	closing bool
}

func newGoogleConn(stream recognizeStream, closeFn func() error) *googleConn {
	return &googleConn{
		stream:  stream,
		closeFn: closeFn,
		results: make(chan diarization.Result, resultBufferSize),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (c *googleConn) Send(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return apperr.New(apperr.KindTimeout, "send audio", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosing() {
		return apperr.Errorf(apperr.KindTransport, "send audio", "connection is closed")
	}
	err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: audio,
		},
	})
	if err != nil {
		return classifyStatus("send audio", err)
	}
	return nil
}

func (c *googleConn) KeepAlive(context.Context) error {
	return nil
}

func (c *googleConn) Results() <-chan diarization.Result {
	return c.results
}

func (c *googleConn) Done() <-chan struct{} {
	return c.done
}

func (c *googleConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close half-closes the stream so the service flushes final results, then
// waits for the receive loop before releasing the client.
func (c *googleConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.stop)
	c.mu.Unlock()

	c.sendMu.Lock()
	sendErr := c.stream.CloseSend()
	c.sendMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	}
	if err := c.closeFn(); err != nil {
		return apperr.New(apperr.KindTransport, "close", err)
	}
	if sendErr != nil {
		return classifyStatus("close", sendErr)
	}
	return nil
}

func (c *googleConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *googleConn) recvLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		if !c.closing {
			c.err = cause
		}
		c.mu.Unlock()
		close(c.results)
		close(c.done)
	}()

	for {
		resp, err := c.stream.Recv()
		if err != nil {
			cause = classifyRecvError(err)
			if cause != nil {
				slog.Warn("cloud speech receive loop ended", "error", err)
			}
			return
		}
		for _, result := range resp.GetResults() {
			res, ok := convertResult(result)
			if !ok {
				continue
			}
			select {
			case c.results <- res:
			case <-c.stop:
			}
		}
	}
}

func convertResult(result *speechpb.StreamingRecognitionResult) (diarization.Result, bool) {
	alts := result.GetAlternatives()
	if len(alts) == 0 {
		return diarization.Result{}, false
	}
	alt := alts[0]
	res := diarization.Result{
		Transcript:  alt.GetTranscript(),
		Confidence:  float64(alt.GetConfidence()),
		IsFinal:     result.GetIsFinal(),
		SpeechFinal: result.GetIsFinal(),
		Words:       make([]diarization.Word, 0, len(alt.GetWords())),
	}
	for _, w := range alt.GetWords() {
		res.Words = append(res.Words, diarization.Word{
			Text:       w.GetWord(),
			Start:      w.GetStartOffset().AsDuration(),
			End:        w.GetEndOffset().AsDuration(),
			Confidence: float64(w.GetConfidence()),
			Speaker:    speakerIndex(w.GetSpeakerLabel()),
		})
	}
	return res, true
}

// speakerIndex converts the service's 1-based numeric label to a 0-based
// index. Labels that are not numbers are treated as unknown.
func speakerIndex(label string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil || n < 1 {
		return nil
	}
	idx := n - 1
	return &idx
}

// classifyRecvError returns nil for an orderly end of stream. The service
// aborts streams at its duration limit; that surfaces as a transport error so
// the client reconnects.
func classifyRecvError(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
		return nil
	}
	return classifyStatus("receive", err)
}

func classifyStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperr.New(apperr.KindTransport, op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperr.New(apperr.KindConfiguration, op, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return apperr.New(apperr.KindProtocol, op, err)
	case codes.DeadlineExceeded:
		return apperr.New(apperr.KindTimeout, op, err)
	case codes.Unimplemented:
		return apperr.New(apperr.KindNotSupported, op, err)
	default:
		return apperr.New(apperr.KindTransport, op, err)
	}
}
