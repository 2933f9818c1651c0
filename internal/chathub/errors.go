package chathub

import (
	"errors"

	"chatgogo/rendezvous/internal/storage"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrRoomNotFound         = storage.ErrRoomNotFound
	ErrRoomOccupied         = storage.ErrRoomOccupied
	ErrSessionExpired       = errors.New("session expired")
	ErrHandshakeTimeout     = errors.New("handshake timed out")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrSignalingLinkLost    = errors.New("signaling link lost")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionBusy          = errors.New("session already started")
)
