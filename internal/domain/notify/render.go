package notify

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/go-faster/errors"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var subjects = map[Template]string{
	TemplateWelcome:           "Welcome to {{.Store.Name}}",
	TemplateOrderConfirmation: "Your {{.Store.Name}} order {{.Data.OrderID}} is confirmed",
	TemplateCart1h:            "You left something in your cart",
	TemplateCart24h:           "Your cart at {{.Store.Name}} is waiting",
	TemplateCart72h:           "Last call: your cart is about to expire",
}

// Brand is the store identity shared by every template.
type Brand struct {
	Name    string
	URL     string
	CartURL string
}

type view struct {
	Store Brand
	Data  any
}

// Renderer renders the embedded templates.
type Renderer struct {
	brand    Brand
	html     *htmltemplate.Template
	text     *texttemplate.Template
	subjects map[Template]*texttemplate.Template
}

// NewRenderer parses all templates once.
func NewRenderer(brand Brand) (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse html templates")
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse text templates")
	}

	r := &Renderer{
		brand:    brand,
		html:     html,
		text:     text,
		subjects: make(map[Template]*texttemplate.Template, len(subjects)),
	}
	for name, src := range subjects {
		t, err := texttemplate.New(string(name)).Parse(src)
		if err != nil {
			return nil, errors.Wrapf(err, "parse subject %s", name)
		}
		r.subjects[name] = t
	}
	return r, nil
}

// Render produces the message for template t addressed to to.
func (r *Renderer) Render(t Template, to string, data any) (Message, error) {
	subject, ok := r.subjects[t]
	if !ok {
		return Message{}, errors.Errorf("unknown template %q", t)
	}
	v := view{Store: r.brand, Data: data}

	var subj, html, text bytes.Buffer
	if err := subject.Execute(&subj, v); err != nil {
		return Message{}, errors.Wrapf(err, "render %s subject", t)
	}
	if err := r.html.ExecuteTemplate(&html, string(t)+".html.tmpl", v); err != nil {
		return Message{}, errors.Wrapf(err, "render %s html", t)
	}
	if err := r.text.ExecuteTemplate(&text, string(t)+".txt.tmpl", v); err != nil {
		return Message{}, errors.Wrapf(err, "render %s text", t)
	}

	return Message{
		To:      to,
		Subject: subj.String(),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
