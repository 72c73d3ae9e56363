// Package logx is extractd's structured logging on top of zerolog.
//
// Components take a Logger value and derive scoped loggers with With.
// The Service behind them can be re-applied on config reload to change the
// level, the stdout format or the log file without rebuilding any Logger.
package logx
