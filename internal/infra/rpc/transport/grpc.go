package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/relay/internal/core/domain"
)

// GenerateMethod is the unary method every gRPC backend must serve.
const GenerateMethod = "/relay.generation.v1.Generator/Generate"

// GRPC implements Transport over a generic unary gRPC call. Requests and
// responses are google.protobuf.Struct so no generated stubs are needed.
type GRPC struct {
	name   string
	model  string
	apiKey string
	desc   domain.ProviderDescriptor
	conn   *grpc.ClientConn
}

// NewGRPC creates a gRPC transport. The connection is established lazily.
func NewGRPC(desc domain.ProviderDescriptor, opts Options) (*GRPC, error) {
	if desc.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: grpc endpoint is required", desc.Name)
	}

	target := desc.Endpoint
	var dialOpts []grpc.DialOption

	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}
	dialOpts = append(dialOpts, opts.GRPCDialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("provider %s: create grpc client for %s: %w", desc.Name, target, err)
	}

	return &GRPC{
		name:   desc.Name,
		model:  desc.Model,
		apiKey: opts.APIKey,
		desc:   desc,
		conn:   conn,
	}, nil
}

func (t *GRPC) Name() string              { return t.name }
func (t *GRPC) Kind() domain.TransportKind { return domain.TransportGRPC }

// Close cleans up resources.
func (t *GRPC) Close() error {
	return t.conn.Close()
}

// Dispatch performs one Generate call.
func (t *GRPC) Dispatch(ctx context.Context, payload domain.Payload) (Response, error) {
	meta := make(map[string]any, len(payload.Metadata))
	for k, v := range payload.Metadata {
		meta[k] = v
	}
	fields := map[string]any{
		"model":      t.model,
		"prompt":     payload.Prompt,
		"max_tokens": payload.MaxTokens,
		"metadata":   meta,
	}
	if payload.Temperature != nil {
		fields["temperature"] = *payload.Temperature
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return Response{}, &Error{Kind: KindFatal, Provider: t.name, Message: "build request", Err: err}
	}

	if t.desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.desc.Timeout)
		defer cancel()
	}
	if t.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.apiKey)
	}

	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, GenerateMethod, req, resp); err != nil {
		st, _ := status.FromError(err)
		return Response{}, &Error{
			Kind:       kindFromCode(st.Code()),
			Provider:   t.name,
			RetryAfter: retryInfoDelay(st),
			Message:    fmt.Sprintf("%s: %s", st.Code(), st.Message()),
			Err:        err,
		}
	}

	respFields := resp.GetFields()
	content := strings.TrimSpace(respFields["content"].GetStringValue())
	if content == "" {
		return Response{}, malformedError(t.name, "empty content")
	}

	return Response{
		Content:      content,
		FinishReason: respFields["finish_reason"].GetStringValue(),
		TokensUsed:   int(respFields["tokens_used"].GetNumberValue()),
	}, nil
}
