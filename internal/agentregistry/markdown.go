package agentregistry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"aura/internal/auramodel"
	"aura/pkg/config"
	"aura/pkg/logx"
)

// MarkdownLoader loads agent definitions from a directory of Markdown
// files, one file per agent: `Name`, `Description`, `Metadata` (key/value
// list including `Priority`, `Provider`, `Model`, `Temperature`),
// `Capabilities`, `Languages`, `Tags`, `Tools`, and a trailing `System
// Prompt` section holding the remaining body. The file basename (without
// extension) defines the agent id.
type MarkdownLoader struct {
	Dir    string
	logger *logx.Logger
}

// NewMarkdownLoader returns a Loader rooted at dir.
func NewMarkdownLoader(dir string) *MarkdownLoader {
	return &MarkdownLoader{Dir: dir, logger: logx.NewLogger("agentregistry")}
}

// Load implements Loader. A parse failure for one file is logged and that
// file is skipped, never failing the whole scan.
func (l *MarkdownLoader) Load() ([]*auramodel.Agent, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents dir %s: %w", l.Dir, err)
	}

	var agents []*auramodel.Agent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.Dir, e.Name())
		agent, err := parseAgentFile(path)
		if err != nil {
			if l.logger != nil {
				l.logger.Warn("skipping unparseable agent file %s: %v", path, err)
			}
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// sections recognized in the Markdown header, matched case-insensitively
// against a line of the form "## Name".
const (
	sectionName         = "name"
	sectionDescription  = "description"
	sectionMetadata     = "metadata"
	sectionCapabilities = "capabilities"
	sectionLanguages    = "languages"
	sectionTags         = "tags"
	sectionTools        = "tools"
	sectionSystemPrompt = "system prompt"
)

func parseAgentFile(path string) (*auramodel.Agent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	agent := &auramodel.Agent{
		ID:          id,
		Priority:    auramodel.DefaultPriority,
		Model:       config.DefaultAgentModel,
		Temperature: 0.2,
		Tags:        []string{},
	}

	var (
		current string
		lines   []string
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	flush := func() {
		if current == "" {
			return
		}
		applySection(agent, current, lines)
		lines = nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			continue
		}
		if current == "" {
			continue
		}
		lines = append(lines, line)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	if agent.Name == "" {
		return nil, fmt.Errorf("agent file %s missing Name section", path)
	}
	return agent, nil
}

func applySection(agent *auramodel.Agent, section string, lines []string) {
	body := strings.TrimSpace(strings.Join(lines, "\n"))
	switch section {
	case sectionName:
		agent.Name = body
	case sectionDescription:
		agent.Description = body
	case sectionMetadata:
		applyMetadata(agent, parseKeyValueList(lines))
	case sectionCapabilities:
		for _, item := range parseBulletList(lines) {
			agent.Capabilities = append(agent.Capabilities, auramodel.Capability(item))
		}
	case sectionLanguages:
		agent.Languages = parseBulletList(lines)
	case sectionTags:
		agent.Tags = append(agent.Tags, parseBulletList(lines)...)
	case sectionTools:
		agent.Tools = parseBulletList(lines)
	case sectionSystemPrompt:
		agent.SystemPromptText = body
	default:
		// Unknown keys are preserved as tags.
		agent.Tags = append(agent.Tags, fmt.Sprintf("%s:%s", section, body))
	}
}

func applyMetadata(agent *auramodel.Agent, kv map[string]string) {
	if v, ok := kv["priority"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			agent.Priority = n
		}
	}
	if v, ok := kv["provider"]; ok {
		agent.Provider = v
	}
	if v, ok := kv["model"]; ok {
		agent.Model = v
	}
	if v, ok := kv["temperature"]; ok {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			agent.Temperature = float32(f)
		}
	}
	for k, v := range kv {
		switch k {
		case "priority", "provider", "model", "temperature":
		default:
			agent.Tags = append(agent.Tags, fmt.Sprintf("%s:%s", k, v))
		}
	}
}

func parseKeyValueList(lines []string) map[string]string {
	out := make(map[string]string)
	for _, line := range lines {
		item := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return out
}

func parseBulletList(lines []string) []string {
	var out []string
	for _, line := range lines {
		item := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
