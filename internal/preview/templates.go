package preview

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"evalsync/api/internal/schema"
)

//go:embed templates/*.html
var templateFS embed.FS

var formTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/form.html")
	if err != nil {
		// Fallback to built-in template if file not found
		formTemplate = template.Must(template.New("form").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	formTemplate = template.Must(template.New("form").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for form template rendering.
type TemplateData struct {
	Name           string
	Description    string
	DepartmentName string
	Version        int
	Status         string
	RenderedAt     time.Time
	Sections       []TemplateSection
}

// TemplateSection holds section data for the template.
type TemplateSection struct {
	Label             string
	EditBy            string
	RoleInSubject     string
	IsToggleDependent bool
	Fields            []TemplateField
}

// TemplateField holds field data for the template. Child indicates the field
// belongs to a grouped parent and renders indented.
type TemplateField struct {
	Label        string
	FieldName    string
	FieldType    string
	RoleRequired string
	Child        bool
	Options      []string
}

// BuildTemplateData maps a serialized payload onto the render model. The
// payload's flattened field order is the visual order of the printed form.
func BuildTemplateData(payload schema.Payload, departmentName string, version int, status string) TemplateData {
	data := TemplateData{
		Name:           payload.Name,
		Description:    payload.Description,
		DepartmentName: departmentName,
		Version:        version,
		Status:         status,
		RenderedAt:     time.Now(),
		Sections:       make([]TemplateSection, 0, len(payload.Sections)),
	}
	for _, sec := range payload.Sections {
		ts := TemplateSection{
			Label:             sec.Label,
			EditBy:            string(sec.EditBy),
			RoleInSubject:     sec.RoleInSubject,
			IsToggleDependent: sec.IsToggleDependent,
			Fields:            make([]TemplateField, 0, len(sec.Fields)),
		}
		for _, f := range sec.Fields {
			tf := TemplateField{
				Label:        f.Label,
				FieldName:    f.FieldName,
				FieldType:    string(f.FieldType),
				RoleRequired: string(f.RoleRequired),
				Child:        f.ParentTempID != "",
			}
			for _, opt := range f.Options {
				tf.Options = append(tf.Options, opt.Label)
			}
			ts.Fields = append(ts.Fields, tf)
		}
		data.Sections = append(data.Sections, ts)
	}
	return data
}

// RenderFormHTML renders the form template with provided data.
func RenderFormHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Name}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .section { margin: 1.5rem 0; }
    .field { padding: 0.4rem 0; border-bottom: 1px dotted #ccc; }
    .child { margin-left: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Name}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">{{.DepartmentName}} | v{{.Version}} | {{.Status}}</div>
  {{range .Sections}}
  <div class="section">
    <h2>{{.Label}}</h2>
    {{range .Fields}}<div class="field{{if .Child}} child{{end}}">{{.Label}} ({{lower .FieldType}})</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
