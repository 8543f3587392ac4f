package main

import (
	"fmt"
	"os"

	"github.com/napolitain/bbtrace/device"
)

// vecAdd computes c = a + b, and doubles c where it is negative.
func vecAdd(t device.Thread, a, b, c device.Ptr, n int) {
	i := t.GlobalIdx()
	if i >= n {
		return
	}
	x, y, z := a.Float32(), b.Float32(), c.Float32()
	z[i] = x[i] + y[i]
	if z[i] < 0 {
		z[i] *= 2
	}
}

func run(n int) error {
	dev := device.New()
	defer dev.Close()

	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i - n/4)
	}

	a, err := dev.Malloc(n * 4)
	if err != nil {
		return err
	}
	defer dev.Free(a)
	b, err := dev.Malloc(n * 4)
	if err != nil {
		return err
	}
	defer dev.Free(b)
	c, err := dev.Malloc(n * 4)
	if err != nil {
		return err
	}
	defer dev.Free(c)

	if err := device.Upload(dev, a, host); err != nil {
		return err
	}
	if err := device.Upload(dev, b, host); err != nil {
		return err
	}

	grid, block := device.D1((n+63)/64), device.D1(64)
	if err := dev.Launch(grid, block, func(t device.Thread) {
		vecAdd(t, a, b, c, n)
	}); err != nil {
		return err
	}

	if err := device.Download(dev, host, c); err != nil {
		return err
	}
	fmt.Printf("c[0]=%g c[%d]=%g\n", host[0], n-1, host[n-1])
	return nil
}

func main() {
	if err := run(1000); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
