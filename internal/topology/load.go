package topology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/ephemeris"
)

// ParseISLs reads inter-satellite link lines of the form "A role B".
// Blank lines and lines starting with '#' are ignored. source names the input
// in error messages.
func ParseISLs(r io.Reader, source string) ([]StaticLink, error) {
	var links []StaticLink
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, configErrorf(source, lineNum, "expected \"<satellite> <role> <satellite>\", got %q", line)
		}
		role, err := ParseRole(fields[1])
		if err != nil {
			return nil, configErrorf(source, lineNum, "%v", err)
		}
		links = append(links, StaticLink{
			From:   fields[0],
			Role:   role,
			To:     fields[2],
			Source: source,
			Line:   lineNum,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	return links, nil
}

// LoadISLs parses the ISL file at path.
func LoadISLs(path string) ([]StaticLink, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseISLs(f, path)
}

// facilityDoc is one facility entry; pointers tell a missing coordinate
// from a zero one.
type facilityDoc struct {
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
	Altitude  float64  `yaml:"altitude"`
}

// ParseFacilities decodes a {name: {latitude, longitude}} document (JSON or
// YAML) and keeps the document's key order, which becomes node order.
func ParseFacilities(data []byte, source string) ([]Facility, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf(source, 0, "decode facilities: %v", err)
	}

	facilities := make([]Facility, 0, len(doc))
	for _, item := range doc {
		name := fmt.Sprint(item.Key)
		if name == "" {
			return nil, configErrorf(source, 0, "facility with empty name")
		}
		// Re-encode the value so the point decodes with its struct tags.
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, configErrorf(source, 0, "facility %q: %v", name, err)
		}
		var doc facilityDoc
		if err := yaml.UnmarshalWithOptions(raw, &doc, yaml.Strict()); err != nil {
			return nil, configErrorf(source, 0, "facility %q: %v", name, err)
		}
		if doc.Latitude == nil || doc.Longitude == nil {
			return nil, configErrorf(source, 0, "facility %q: latitude and longitude are required", name)
		}
		p := ephemeris.GroundPoint{LatDeg: *doc.Latitude, LonDeg: *doc.Longitude, AltM: doc.Altitude}
		if p.LatDeg < -90 || p.LatDeg > 90 || p.LonDeg < -180 || p.LonDeg > 180 {
			return nil, configErrorf(source, 0, "facility %q: coordinates out of range (%g, %g)", name, p.LatDeg, p.LonDeg)
		}
		facilities = append(facilities, Facility{Name: name, Point: p})
	}
	return facilities, nil
}

// LoadFacilities reads the facility file at path.
func LoadFacilities(path string) ([]Facility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFacilities(data, path)
}
