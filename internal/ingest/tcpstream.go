package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/telemetry"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.FrameSignals, counters *telemetry.Counters, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, out, counters, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.FrameSignals, counters *telemetry.Counters, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	// Lines carrying an embedded frame can reach several megabytes.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		batch, err := DecodeSignals(scanner.Bytes())
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream decode error", "err", err)
			}
			continue
		}
		for i := range batch {
			batch[i].Source = "tcp_stream"
			SendNonBlocking(ctx, out, batch[i], counters, logger)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
