package model

import "time"

const ExportVersion = 1

// ExportPayload - конверт выгрузки; Import принимает и его, и голый массив записей
type ExportPayload struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Tasks      []TaskRecord `json:"tasks"`
}

type ImportResult struct {
	Success  bool     `json:"success"`
	Imported int      `json:"imported"`
	Total    int      `json:"total"`
	Invalid  int      `json:"invalid"`
	Warnings []string `json:"warnings,omitempty"`
}
