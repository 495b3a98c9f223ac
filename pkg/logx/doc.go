// Package logx is stackcast's logging front end over zerolog.
//
// Console output is human readable, the optional log file is JSON, and
// lines at or above a configured level can be forwarded to a chat Sender.
// A Service may be re-applied at runtime without replacing Loggers.
package logx
