package logging

import "log/slog"

// Domain identifiers

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Conn(id string) slog.Attr {
	return slog.String("connection_id", id)
}

func Role(role string) slog.Attr {
	return slog.String("role", role)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

func Node(id string) slog.Attr {
	return slog.String("node_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
