// Package logx is the structured logging used across interval-task.
//
// Library packages (runner, handler, tick) take a Logger through options and
// stay silent with the zero value. The intervald daemon builds one Service
// from its logging config: readable console lines with a short caller, plus
// optional JSON lines in a file, both swapped in place on reload.
package logx
