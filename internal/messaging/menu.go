package messaging

import (
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// menus renders quick-reply buttons as numbered options and maps numeric
// replies back to the chosen button. Only the latest menu per recipient is
// live; any later text without buttons retires it.
type menus struct {
	mu   sync.Mutex
	last map[string][]models.Button
}

func newMenus() *menus {
	return &menus{last: make(map[string][]models.Button)}
}

// render returns text with the buttons appended as a numbered list.
func (m *menus) render(to, text string, buttons []models.Button) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buttons) == 0 {
		delete(m.last, to)
		return text
	}
	m.last[to] = append([]models.Button(nil), buttons...)

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n")
	for i, btn := range buttons {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(btn.Title)
	}
	b.WriteString("\n\nReply with a number.")
	return b.String()
}

// resolve maps a reply to a button of the live menu. A reply equal to a
// button ID wins over its position. The menu is retired on a match.
func (m *menus) resolve(from, reply string) (models.Button, bool) {
	reply = strings.TrimSpace(reply)
	m.mu.Lock()
	defer m.mu.Unlock()
	buttons := m.last[from]
	if len(buttons) == 0 || reply == "" {
		return models.Button{}, false
	}
	for _, btn := range buttons {
		if strings.EqualFold(btn.ID, reply) {
			delete(m.last, from)
			return btn, true
		}
	}
	n, err := strconv.Atoi(reply)
	if err != nil || n < 1 || n > len(buttons) {
		return models.Button{}, false
	}
	delete(m.last, from)
	return buttons[n-1], true
}
