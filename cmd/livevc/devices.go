package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

func newDevicesCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices usable for capture and playback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, closeHost, err := d.openHost()
			if err != nil {
				return err
			}
			defer closeHost()
			devs, err := host.Devices()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printDevices(w, "input", audio.InputDevices(devs))
			printDevices(w, "output", audio.OutputDevices(devs))
			return nil
		},
	}
}

func printDevices(w io.Writer, kind string, devs []audio.DeviceInfo) {
	fmt.Fprintf(w, "\n%s devices:\n", strings.ToUpper(kind[:1])+kind[1:])
	for _, d := range devs {
		fmt.Fprintf(w, "%d: %s (%s)\n", d.Index, d.Name, d.HostAPI)
	}
}

// chooseDevices prompts for an input and an output device until valid
// indices are entered.
func chooseDevices(r io.Reader, w io.Writer, devs []audio.DeviceInfo) (in, out int, err error) {
	sc := bufio.NewScanner(r)
	inDev, err := chooseDevice(sc, w, devs, true)
	if err != nil {
		return 0, 0, err
	}
	outDev, err := chooseDevice(sc, w, devs, false)
	if err != nil {
		return 0, 0, err
	}
	slog.Info("input device selected", "index", inDev.Index, "name", inDev.Name)
	slog.Info("output device selected", "index", outDev.Index, "name", outDev.Name)
	return inDev.Index, outDev.Index, nil
}

func chooseDevice(sc *bufio.Scanner, w io.Writer, devs []audio.DeviceInfo, input bool) (audio.DeviceInfo, error) {
	kind, candidates := "output", audio.OutputDevices(devs)
	if input {
		kind, candidates = "input", audio.InputDevices(devs)
	}
	if len(candidates) == 0 {
		return audio.DeviceInfo{}, fmt.Errorf("%w: no %s devices found", audio.ErrDevice, kind)
	}
	for {
		printDevices(w, kind, candidates)
		fmt.Fprintf(w, "Enter the index of your %s device: ", kind)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return audio.DeviceInfo{}, fmt.Errorf("read device choice: %w", err)
			}
			return audio.DeviceInfo{}, errors.New("no device chosen")
		}
		idx, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			fmt.Fprintln(w, "Invalid index. Please enter a valid device index from the list.")
			continue
		}
		d, err := audio.FindDevice(devs, idx, input)
		if err != nil {
			fmt.Fprintf(w, "Selected index is not an %s device. Please choose another device.\n", kind)
			continue
		}
		return d, nil
	}
}
