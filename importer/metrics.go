package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var FilesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "report_ingest_import_files_total",
		Help: "Input files seen by the importer, by result",
	},
	[]string{"result"},
)
