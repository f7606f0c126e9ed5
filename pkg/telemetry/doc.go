// Package telemetry wires the OpenTelemetry tracer provider and the
// generation metrics of the dev server.
//
// It owns the OTLP exporter setup, records build and reload outcomes through
// the global meter provider and annotates spans with the resolved topology
// so a slow reload can be traced back to the document that caused it.
package telemetry
