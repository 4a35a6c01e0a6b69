package kitfox_test

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shamspias/kitfox"
)

func ExampleIdentify() {
	prefix := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

	// Content wins over a misleading name and declared type.
	d := kitfox.Identify(prefix, "photo.jpg", "image/jpeg")
	fmt.Println(d.Name, d.MIMEType, d.Supported)
	// Output: png image/png true
}

func ExampleNewCompressionTarget() {
	t := kitfox.NewCompressionTarget(100 * 1024)
	fmt.Println(t.HardLimit, t.SafeBound, t.OptimalBound)
	// Output: 102400 100352 98304
}

func ExampleEngine_Process() {
	engine, err := kitfox.Create(kitfox.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer engine.Shutdown(context.Background())

	file, err := kitfox.OpenFile("photo.jpg")
	if err != nil {
		panic(err)
	}
	h, err := engine.Process(context.Background(), file, kitfox.Request{
		Operation: kitfox.OpCompress,
		Compress:  &kitfox.CompressOptions{TargetBytes: 100 * 1024},
	})
	if err != nil {
		panic(err)
	}
	for p := range h.Progress() {
		fmt.Printf("\r%3d%%", p)
	}

	result, err := h.Wait(context.Background())
	var infeasible *kitfox.InfeasibleError
	switch {
	case errors.As(err, &infeasible):
		fmt.Printf("\nsmallest output was %d bytes\n", infeasible.BestSize)
		return
	case err != nil:
		panic(err)
	}
	if _, err := kitfox.WriteResult("out", file.Name, result); err != nil {
		panic(err)
	}
}

func ExampleEngine_ProcessBatch() {
	engine, err := kitfox.Create(kitfox.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer engine.Shutdown(context.Background())

	var reqs []kitfox.BatchRequest
	for _, name := range os.Args[1:] {
		file, err := kitfox.OpenFile(name)
		if err != nil {
			panic(err)
		}
		reqs = append(reqs, kitfox.BatchRequest{
			File: file,
			Request: kitfox.Request{
				Operation: kitfox.OpConvert,
				Convert:   &kitfox.ConvertOptions{OutputFormat: "png"},
			},
		})
	}

	results, err := engine.ProcessBatch(context.Background(), reqs, kitfox.BatchOptions{
		MaxConcurrency: 4,
		OnProgress: func(percent float64, completed, total int) {
			fmt.Printf("%d/%d\n", completed, total)
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(kitfox.Summarize(results))
}
