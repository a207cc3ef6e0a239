package vidiboard

import (
	"github.com/jpalmerr/vidiboard/internal/broadcast"
	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/session"
	"github.com/jpalmerr/vidiboard/internal/store"
)

// Errors returned by [Service] operations. Match them with [errors.Is].
var (
	ErrNotFound           = store.ErrNotFound
	ErrInvalidID          = store.ErrInvalidID
	ErrInvalidDefinition  = store.ErrInvalidDefinition
	ErrInvalidCommand     = protocol.ErrInvalidCommand
	ErrCompilationFailed  = compile.ErrCompilationFailed
	ErrCompilationTimeout = compile.ErrCompilationTimeout
	ErrBuilderUnavailable = compile.ErrBuilderUnavailable
	ErrChannelClosed      = broadcast.ErrChannelClosed
	ErrSlowConsumer       = broadcast.ErrSlowConsumer
	ErrConnection         = session.ErrConnection
)
