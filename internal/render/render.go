// Package render produces the stats-card image attached to replies. A
// failure here is never fatal: the workflow falls back to a text-only reply.
package render

import (
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/skysnapco/skyreply/internal/config"
	"github.com/skysnapco/skyreply/internal/stats"
)

// Renderer turns an entity's stats into a local media file.
type Renderer interface {
	Render(st stats.EntityStats) (string, error)
}

// CardRenderer writes an HTML stats card and shells out to a configured
// converter to produce the final image. The converter receives the HTML path
// and the output path as its two arguments.
type CardRenderer struct {
	outDir     string
	convertCmd string
}

func NewCardRenderer(cfg config.RenderConfig) *CardRenderer {
	outDir := cfg.OutDir
	if outDir == "" {
		outDir = filepath.Join(os.TempDir(), "skyreply-cards")
	}
	return &CardRenderer{outDir: outDir, convertCmd: cfg.ConvertCmd}
}

var cardTemplate = template.Must(template.New("card").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><style>
body { font-family: sans-serif; width: 480px; padding: 16px; }
h1 { font-size: 20px; margin: 0 0 8px; }
table { width: 100%; border-collapse: collapse; }
td { padding: 2px 4px; }
.count { text-align: right; }
</style></head>
<body>
<h1>{{.DisplayName}}</h1>
<p>{{.TotalActions}} identifications / {{.TotalUnits}} photos since {{.Since}}</p>
<table>
{{range .Rows}}<tr><td>{{.Label}}</td><td class="count">{{.Count}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type cardData struct {
	DisplayName  string
	TotalActions int
	TotalUnits   int
	Since        string
	Rows         []stats.CategoryCount
}

func (r *CardRenderer) Render(st stats.EntityStats) (string, error) {
	if err := os.MkdirAll(r.outDir, 0755); err != nil {
		return "", fmt.Errorf("render: create out dir: %w", err)
	}

	rows := make([]stats.CategoryCount, 0, len(st.Histogram))
	for label, n := range st.Histogram {
		rows = append(rows, stats.CategoryCount{Label: label, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Label < rows[j].Label
	})

	name := st.DisplayName
	if name == "" {
		name = st.EntityID
	}
	data := cardData{
		DisplayName:  name,
		TotalActions: st.TotalActions,
		TotalUnits:   st.TotalUnits,
		Since:        st.FirstActionAt.Format("2006-01-02"),
		Rows:         rows,
	}

	base := fmt.Sprintf("card-%s-%d", st.EntityID, time.Now().UnixMilli())
	htmlPath := filepath.Join(r.outDir, base+".html")

	f, err := os.Create(htmlPath)
	if err != nil {
		return "", fmt.Errorf("render: create card: %w", err)
	}
	if err := cardTemplate.Execute(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("render: execute template: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("render: close card: %w", err)
	}

	if r.convertCmd == "" {
		return "", fmt.Errorf("render: no converter configured")
	}

	imgPath := filepath.Join(r.outDir, base+".png")
	parts := strings.Fields(r.convertCmd)
	args := append(parts[1:], htmlPath, imgPath)
	if out, err := exec.Command(parts[0], args...).CombinedOutput(); err != nil {
		return "", fmt.Errorf("render: convert: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return imgPath, nil
}
