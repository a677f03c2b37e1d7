// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = map[string]*template.Template{
	"challenge": parsePage("challenge.html"),
	"list":      parsePage("list.html"),
	"error":     parsePage("error.html"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

type bannerClass string

const (
	bannerOK   bannerClass = "ok"
	bannerWarn bannerClass = "warn"
	bannerErr  bannerClass = "err"
)

type banner struct {
	Class bannerClass
	Text  string
}

type pageData struct {
	Title       string
	BasePath    string
	Banners     []banner
	Identities  []Identity
	KeysScanned int
}

// render executes page into a buffer first so a template failure never
// leaves a half-written response.
func render(w http.ResponseWriter, logger *slog.Logger, status int, page string, data pageData) {
	var buf bytes.Buffer
	if err := pages[page].ExecuteTemplate(&buf, page+".html", data); err != nil {
		logger.Error("failed to render admin page", "page", page, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
