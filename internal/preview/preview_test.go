package preview

import (
	"strings"
	"testing"

	"evalsync/api/internal/schema"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Line Check", "Line-Check"},
		{"Sim Session v1.2", "Sim-Session-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "template"},
		{"Very Long Template Name That Exceeds Fifty Characters", "Very-Long-Template-Name-That-Exceeds-Fifty-Charact"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderFormHTML(t *testing.T) {
	payload := schema.Payload{
		Metadata: schema.Metadata{
			Name:        "Line Check",
			Description: "Annual line check assessment",
		},
		Sections: []schema.PayloadSection{
			{
				Label:         "Practical Assessment",
				EditBy:        schema.RoleTrainer,
				RoleInSubject: "PF",
				DisplayOrder:  1,
				Fields: []schema.PayloadField{
					{
						Label:        "Scores",
						FieldName:    "Scores",
						FieldType:    schema.FieldPart,
						RoleRequired: schema.RoleTrainer,
						TempID:       "Scores-parent",
						DisplayOrder: 1,
					},
					{
						Label:        "Question 1",
						FieldName:    "q1",
						FieldType:    schema.FieldValueList,
						RoleRequired: schema.RoleTrainer,
						ParentTempID: "Scores-parent",
						Options: []schema.Option{
							{Value: "1", Label: "Unsatisfactory", Score: 1},
							{Value: "5", Label: "Excellent", Score: 5},
						},
						DisplayOrder: 2,
					},
					{
						Label:        "Trainer Signature",
						FieldName:    "trainer_signature",
						FieldType:    schema.FieldSignatureDraw,
						RoleRequired: schema.RoleTrainer,
						DisplayOrder: 3,
					},
				},
			},
		},
	}

	data := BuildTemplateData(payload, "Flight Operations", 2, "DRAFT")
	html, err := RenderFormHTML(data)
	if err != nil {
		t.Fatalf("RenderFormHTML() error = %v", err)
	}

	for _, want := range []string{
		"Line Check",
		"Annual line check assessment",
		"Flight Operations",
		"v2",
		"Practical Assessment",
		"Question 1",
		"q1",
		"Unsatisfactory",
		"Excellent",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}

	// Grouped children render indented.
	if !strings.Contains(html, "field child") {
		t.Error("expected grouped child field to carry the child class")
	}
	// Signature fields get a drawing box.
	if !strings.Contains(html, "signature") {
		t.Error("expected signature box for SIGNATURE_DRAW field")
	}
}

func TestBuildTemplateDataMarksChildren(t *testing.T) {
	payload := schema.Payload{
		Metadata: schema.Metadata{Name: "T"},
		Sections: []schema.PayloadSection{
			{
				Label:  "S",
				EditBy: schema.RoleTrainer,
				Fields: []schema.PayloadField{
					{FieldName: "Scores", FieldType: schema.FieldPart, TempID: "Scores-parent"},
					{FieldName: "q1", FieldType: schema.FieldText, ParentTempID: "Scores-parent"},
					{FieldName: "final_comment", FieldType: schema.FieldText},
				},
			},
		},
	}

	data := BuildTemplateData(payload, "", 1, "DRAFT")
	fields := data.Sections[0].Fields
	if fields[0].Child || fields[2].Child {
		t.Error("top-level fields must not be marked as children")
	}
	if !fields[1].Child {
		t.Error("grouped field must be marked as child")
	}
}
