package log

import "context"

var _ Factory = (*nopFactory)(nil)

type nopFactory struct{}

func NewNOPFactory() Factory {
	return (*nopFactory)(nil)
}

func (f *nopFactory) Level() Level {
	return LevelTrace
}

func (f *nopFactory) SetLevel(level Level) {
}

func (f *nopFactory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *nopFactory) NewLogger(tag string) ContextLogger {
	return &contextLogger{f, tag}
}

func (f *nopFactory) Close() error {
	return nil
}

func (f *nopFactory) write(ctx context.Context, level Level, tag string, args []any) {
}
