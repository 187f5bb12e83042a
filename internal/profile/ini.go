package profile

import (
	"bufio"
	"io"
	"strings"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

// IniFile maps section names to their key/value pairs. Keys set before the
// first section header land in the "" section.
type IniFile struct {
	Sections map[string]map[string]string
	// Lines records where each section.key was set, for messages.
	Lines map[string]int
	// Order lists section names as they first appear.
	Order []string
}

// NewIniFile creates an empty IniFile.
func NewIniFile() *IniFile {
	return &IniFile{
		Sections: map[string]map[string]string{"": {}},
		Lines:    make(map[string]int),
	}
}

// ParseIni reads an INI document. Section and key names are lowercased;
// values keep their case. Lines starting with ';' or '#' are comments.
func ParseIni(r io.Reader) (*IniFile, error) {
	ini := NewIniFile()
	scanner := bufio.NewScanner(r)
	section := ""
	n := 0

	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrProfileParse, "line %d: unterminated section header %q", n, line)
			}
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if _, ok := ini.Sections[section]; !ok {
				ini.Sections[section] = make(map[string]string)
				ini.Order = append(ini.Order, section)
			}
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrProfileParse, "line %d: expected key = value, got %q", n, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.Trim(strings.TrimSpace(val), `"`)
		ini.Sections[section][key] = val
		ini.Lines[section+"."+key] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrProfileParse, err.Error())
	}
	return ini, nil
}

// GetSection returns the pairs of one section, or nil.
func (ini *IniFile) GetSection(name string) map[string]string {
	return ini.Sections[name]
}
