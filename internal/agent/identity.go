package agent

import (
	"fmt"
	"os"
	"strings"
)

// DefaultIdentityFilename is the standard filename for the persona file a
// deployment points IdentityConfig.PersonaFile at.
const DefaultIdentityFilename = "IDENTITY.md"

// Identity is a named persona loaded from a markdown file: free-form prose
// describing how the agent should present itself, folded into the runtime's
// default system prompt alongside its configured name.
type Identity struct {
	Name    string
	Persona string
}

// LoadIdentity reads persona markdown from path and pairs it with name. A
// missing or empty path is not an error: the runtime falls back to name
// alone as the system prompt.
func LoadIdentity(name, path string) (*Identity, error) {
	id := &Identity{Name: name}
	if path == "" {
		return id, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return id, nil
		}
		return nil, fmt.Errorf("read persona file %s: %w", path, err)
	}
	id.Persona = strings.TrimSpace(string(content))
	return id, nil
}

// SystemPrompt renders the identity into the text handed to
// Runtime.SetSystemPrompt.
func (i *Identity) SystemPrompt() string {
	if i == nil {
		return ""
	}
	name := i.Name
	if name == "" {
		name = "assistant"
	}
	if i.Persona == "" {
		return fmt.Sprintf("You are %s, a personal AI agent running as an always-on background daemon.", name)
	}
	return fmt.Sprintf("You are %s, a personal AI agent running as an always-on background daemon.\n\n%s", name, i.Persona)
}
