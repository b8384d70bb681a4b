package main

import "errors"

var (
	errRoomNotFound      = errors.New("room not found")
	errRoomInProgress    = errors.New("room already in progress")
	errRoomFull          = errors.New("room is full")
	errNotHost           = errors.New("only the host may perform this action")
	errReconnectRejected = errors.New("reconnect token invalid or expired")
)
