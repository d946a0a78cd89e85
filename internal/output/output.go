package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
)

func PrintHeader(jsonOutput bool, version string) {
	if jsonOutput {
		return
	}
	cyan := color.New(color.FgCyan)
	cyan.Printf("\n    geofix v%s\n\n", version)
}

var sourceNames = map[data.Source]string{
	data.SourceGPS:    "GPS sensor",
	data.SourceMobile: "mobile device",
	data.SourceIP:     "IP geolocation",
	data.SourceManual: "picked manually",
}

// PrintFix writes a resolved fix with its provenance. Inferred accuracies
// are always marked as estimates.
func PrintFix(w io.Writer, fix data.Fix) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%s Location: %.6f, %.6f\n", green("✓"), fix.Latitude, fix.Longitude)
	fmt.Fprintf(w, "%s Source: %s\n", green("✓"), sourceNames[fix.Source])
	if label := fix.AccuracyLabel(); label != "" {
		if fix.Estimated {
			label = yellow(label)
		}
		fmt.Fprintf(w, "%s Accuracy: %s\n", green("✓"), label)
	}
	fmt.Fprintf(w, "%s Geohash: %s\n", green("✓"), geo.Geohash(fix.Latitude, fix.Longitude, 9))
}

// PrintFailure writes the plain language reason of a failed resolution.
func PrintFailure(w io.Writer, f *data.Failure) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", red("✗"), f.UserMessage())
}

func PrintNearest(w io.Writer, c data.Center, meters float64) {
	cyan := color.New(color.FgCyan).SprintFunc()
	dist := fmt.Sprintf("%.0f m", meters)
	if meters >= 1000 {
		dist = fmt.Sprintf("%.1f km", meters/1000)
	}
	fmt.Fprintf(w, "%s Nearest center: %s [%.4f, %.4f] %s away\n", cyan("✓"), c.Name, c.Latitude, c.Longitude, dist)
}

func OutputJSON(v any) {
	jsonData, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(jsonData))
}

// ProgressReporter shows a spinner with the current step until done is
// closed.
func ProgressReporter(step func() string, done <-chan struct{}, jsonOutput bool) {
	if jsonOutput {
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()
	spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			fmt.Print("\r\033[K")
			return
		case <-ticker.C:
			fmt.Printf("\r\033[K%s %s", cyan(spinner[i%len(spinner)]), step())
			i++
		}
	}
}

type Choice int

const (
	ChoiceQuit Choice = iota
	ChoiceManual
	ChoiceMobile
	ChoiceRetry
)

type choiceItem struct {
	Label  string
	Choice Choice
}

// ChooseFallback offers the escape hatches after a failed resolution.
func ChooseFallback(mobileAvailable bool) (Choice, error) {
	items := []choiceItem{
		{"Pick my position manually", ChoiceManual},
	}
	if mobileAvailable {
		items = append(items, choiceItem{"Use the mobile location service", ChoiceMobile})
	}
	items = append(items,
		choiceItem{"Try automatic detection again", ChoiceRetry},
		choiceItem{"Quit", ChoiceQuit},
	)

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   `{{ "▸" | cyan }} {{ .Label | cyan }}`,
		Inactive: `  {{ .Label }}`,
	}
	prompt := promptui.Select{
		Label:        "How would you like to continue?",
		Items:        items,
		Templates:    templates,
		HideHelp:     true,
		Stdout:       os.Stdout,
		HideSelected: true,
	}

	i, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return ChoiceQuit, nil
		}
		return ChoiceQuit, err
	}
	return items[i].Choice, nil
}

// ParseCoordinates parses "lat, lng" and validates the result.
func ParseCoordinates(s string) (lat, lng float64, err error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errors.New("enter latitude and longitude separated by a comma")
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(latStr), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", strings.TrimSpace(latStr))
	}
	if lng, err = strconv.ParseFloat(strings.TrimSpace(lngStr), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", strings.TrimSpace(lngStr))
	}
	if !geo.Validate(lat, lng) {
		return 0, 0, errors.New("not a valid position")
	}
	return lat, lng, nil
}

// PromptCoordinates asks for a position until a valid one is entered.
func PromptCoordinates() (lat, lng float64, err error) {
	prompt := promptui.Prompt{
		Label: "Latitude, longitude",
		Validate: func(s string) error {
			_, _, err := ParseCoordinates(s)
			return err
		},
	}
	input, err := prompt.Run()
	if err != nil {
		return 0, 0, err
	}
	return ParseCoordinates(input)
}
