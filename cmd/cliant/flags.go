package main

import (
	"github.com/spf13/pflag"

	"github.com/val-en-tine124/cliant/internal/progress"
)

var _ pflag.Value = (*byteSize)(nil)

// byteSize is a pflag.Value accepting sizes such as "512KiB" or "10MB".
type byteSize int64

func (b *byteSize) String() string {
	if *b == 0 {
		return ""
	}
	return progress.FormatBytes(int64(*b))
}

func (b *byteSize) Set(s string) error {
	n, err := progress.ParseBytes(s)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) Type() string {
	return "size"
}
