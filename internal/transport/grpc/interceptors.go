package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dexterr404/watch-room/pkg/logger"
)

const defaultUnaryDeadline = 10 * time.Second

// UnaryServerInterceptor: recovery, guard по deadline и одна запись лога на вызов.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultUnaryDeadline)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				err = recovered(ctx, info.FullMethod, r)
			}
			logCall(ctx, "grpc unary", info.FullMethod, start, err)
		}()

		return handler(ctx, req)
	}
}

func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		ctx := ss.Context()

		defer func() {
			if r := recover(); r != nil {
				err = recovered(ctx, info.FullMethod, r)
			}
			logCall(ctx, "grpc stream", info.FullMethod, start, err)
		}()

		return handler(srv, ss)
	}
}

func recovered(ctx context.Context, method string, r any) error {
	logger.L().LogAttrs(ctx, slog.LevelError, "grpc panic",
		slog.String("method", method),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())))
	return status.Error(codes.Internal, "internal server error")
}

// health-пробы приходят часто, поэтому успешные пишутся в Debug
func logCall(ctx context.Context, msg, method string, start time.Time, err error) {
	code := status.Code(err)
	level := slog.LevelDebug
	switch code {
	case codes.OK, codes.Canceled, codes.NotFound:
	case codes.Internal, codes.Unknown, codes.DataLoss:
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger.L().LogAttrs(ctx, level, msg,
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}
