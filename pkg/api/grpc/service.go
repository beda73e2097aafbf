package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aescanero/dago-master/pkg/domain"
)

const (
	serviceName = "callback.CallbackService"

	// SendResultMethod is the full method name of the result callback
	SendResultMethod = "/" + serviceName + "/SendResult"

	ackMessage = "ACK"
)

// ResultReply acknowledges a result callback
type ResultReply struct {
	Message string `json:"message"`
}

// CallbackServer is the server API for the result callback service
type CallbackServer interface {
	SendResult(ctx context.Context, req *domain.ResultReport) (*ResultReply, error)
}

// CallbackServiceDesc describes callback.CallbackService
var CallbackServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CallbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendResult",
			Handler:    sendResultHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "callback.proto",
}

// RegisterCallbackServer registers srv on s
func RegisterCallbackServer(s grpc.ServiceRegistrar, srv CallbackServer) {
	s.RegisterService(&CallbackServiceDesc, srv)
}

func sendResultHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(domain.ResultReport)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallbackServer).SendResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SendResultMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CallbackServer).SendResult(ctx, req.(*domain.ResultReport))
	}
	return interceptor(ctx, in, info, handler)
}

// ResultHandler applies a validated result report
type ResultHandler interface {
	HandleResult(ctx context.Context, rep domain.ResultReport) error
}

// ResultService implements CallbackServer on top of the coordinator
type ResultService struct {
	handler   ResultHandler
	validator *domain.Validator
	logger    *zap.Logger
}

// NewResultService creates a new result callback service
func NewResultService(handler ResultHandler, logger *zap.Logger) *ResultService {
	return &ResultService{
		handler:   handler,
		validator: domain.NewValidator(),
		logger:    logger,
	}
}

// SendResult records a worker's result and acknowledges it. Results for
// unknown or already completed sessions are acknowledged as well.
func (s *ResultService) SendResult(ctx context.Context, req *domain.ResultReport) (*ResultReply, error) {
	if err := s.validator.Validate(req); err != nil {
		s.logger.Warn("rejecting result callback", zap.Error(err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Debug("result callback received",
		zap.String("session_id", req.SessionID),
		zap.String("worker_id", req.WorkerID),
		zap.Bool("failed", req.Failed()))

	if err := s.handler.HandleResult(ctx, *req); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &ResultReply{Message: ackMessage}, nil
}
