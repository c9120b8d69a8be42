// Package logging provides structured logging configuration for subtransport.
//
// This package wraps log/slog so the engine, the WebSocket transport, the
// pub/sub backend and the CLI share one logger setup.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	engineLog := logging.Component(logger, "engine")
//	engineLog.Debug("frame received", "conn", connID, "type", "init")
//
// # Integration
//
// Components accept a *slog.Logger through their options. When none is
// given they use logging.Nop().
package logging
