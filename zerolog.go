package gobayeux

import "github.com/rs/zerolog"

type wrappedZerolog struct {
	logger zerolog.Logger
}

func (w *wrappedZerolog) Debug(msg string, args ...any) {
	w.logger.Debug().Fields(args).Msg(msg)
}

func (w *wrappedZerolog) Info(msg string, args ...any) {
	w.logger.Info().Fields(args).Msg(msg)
}

func (w *wrappedZerolog) Warn(msg string, args ...any) {
	w.logger.Warn().Fields(args).Msg(msg)
}

func (w *wrappedZerolog) Error(msg string, args ...any) {
	w.logger.Error().Fields(args).Msg(msg)
}

func (w *wrappedZerolog) WithError(err error) Logger {
	return &wrappedZerolog{w.logger.With().Err(err).Logger()}
}

func (w *wrappedZerolog) WithField(key string, value any) Logger {
	return &wrappedZerolog{w.logger.With().Interface(key, value).Logger()}
}

// WithZerologLogger configures the client to log through the given
// zerolog.Logger. Extra arguments passed to the log methods are treated as
// key/value pairs.
func WithZerologLogger(logger zerolog.Logger) Option {
	return func(options *Options) {
		options.Logger = &wrappedZerolog{logger}
	}
}
