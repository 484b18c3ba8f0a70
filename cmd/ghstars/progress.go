package main

import (
	"io"

	"github.com/cheggaaa/pb/v3"
)

// progressBar reports pipeline progress on a terminal.
type progressBar struct {
	out io.Writer
	bar *pb.ProgressBar
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out}
}

func (p *progressBar) Start(total int) {
	p.bar = pb.Full.New(total).SetWriter(p.out).Start()
}

func (p *progressBar) Increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *progressBar) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
