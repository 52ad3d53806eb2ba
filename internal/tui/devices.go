// SPDX-License-Identifier: MIT
//
// Package tui renders the cast-side terminal surfaces: the live
// analysis meter and the styled device listing.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"lumen/internal/capture"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C6C6C"))
)

// RenderDevices formats the host device table for the list command.
// Input-capable devices are highlighted; they are the only ones the
// capture engine will open.
func RenderDevices(devices []capture.Device) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Capture Devices"))
	sb.WriteString("\n\n")

	if len(devices) == 0 {
		sb.WriteString("No audio devices found.\n")
		return sb.String()
	}

	for _, device := range devices {
		deviceType := ""
		if device.MaxInputChannels > 0 && device.MaxOutputChannels > 0 {
			deviceType = "Input/Output"
		} else if device.MaxInputChannels > 0 {
			deviceType = "Input"
		} else if device.MaxOutputChannels > 0 {
			deviceType = "Output"
		}

		header := fmt.Sprintf("[%d] %s (%s)", device.ID, device.Name, deviceType)
		if device.MaxInputChannels > 0 {
			header = highlightStyle.Render(header)
		} else {
			header = dimStyle.Render(header)
		}

		sb.WriteString(header)
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("    Input channels: %d, Output channels: %d\n",
			device.MaxInputChannels, device.MaxOutputChannels))
		sb.WriteString(fmt.Sprintf("    Default sample rate: %.0f Hz\n",
			device.DefaultSampleRate))
		if device.MaxInputChannels > 0 {
			sb.WriteString(fmt.Sprintf("    Latency: Low=%.2fms, High=%.2fms\n",
				device.LowInputLatency.Seconds()*1000,
				device.HighInputLatency.Seconds()*1000))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
