package main

import (
	"fmt"
	"time"

	"github.com/Velocidex/ordereddict"

	"github.com/ntfs_recovery/pkg/logfile"
	"github.com/ntfs_recovery/pkg/ntfs"
)

func format_time(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func errors_to_strings(errs []error) []string {
	result := make([]string, 0, len(errs))
	for _, err := range errs {
		result = append(result, err.Error())
	}
	return result
}

func attribute_row(a *ntfs.Attribute) *ordereddict.Dict {
	row := ordereddict.NewDict().
		Set("Type", ntfs.AttributeTypeName(a.Type)).
		Set("Name", a.Name).
		Set("ID", a.ID).
		Set("Record", a.Record)

	switch v := a.Value.(type) {
	case *ntfs.ResidentValue:
		row.Set("Resident", true).
			Set("Size", len(v.Data))
	case *ntfs.NonResidentValue:
		runs := make([]string, 0, len(v.Runs))
		for _, run := range v.Runs {
			runs = append(runs, run.String())
		}
		row.Set("Resident", false).
			Set("Size", v.ActualSize).
			Set("Allocated", v.AllocatedSize).
			Set("StartVCN", v.StartVCN).
			Set("LastVCN", v.LastVCN).
			Set("Runs", runs)
	case *ntfs.ListReference:
		row.Set("Unresolved", v.Reference.String())
	}
	return row
}

func record_row(record *ntfs.Record) *ordereddict.Dict {
	row := ordereddict.NewDict().
		Set("Record", record.Number).
		Set("Sequence", record.Header.SequenceNum).
		Set("InUse", record.InUse()).
		Set("Directory", record.IsDirectory()).
		Set("LSN", fmt.Sprintf("0x%x", record.Header.LSN))

	if !record.Header.IsBase() {
		row.Set("BaseRecord", record.Header.BaseRecord.String())
	}

	var names []string
	for _, fn := range record.FileNames() {
		names = append(names, fn.Name)
	}
	name := ""
	parent := ""
	if fn := record.FileName(); fn != nil {
		name = fn.Name
		parent = fn.Parent.String()
	}
	row.Set("Name", name).
		Set("Parent", parent).
		Set("Names", names).
		Set("Size", record.DataSize())

	if si, err := record.StandardInformation(); err == nil {
		row.Set("Created", format_time(si.Created)).
			Set("Modified", format_time(si.Modified)).
			Set("MFTModified", format_time(si.MFTModified)).
			Set("Accessed", format_time(si.Accessed))
	}

	attributes := make([]*ordereddict.Dict, 0, len(record.Attributes))
	for i := range record.Attributes {
		attributes = append(attributes, attribute_row(&record.Attributes[i]))
	}
	row.Set("Attributes", attributes)

	if record.Partial() {
		row.Set("Issues", errors_to_strings(record.Issues))
	}
	return row
}

func restart_row(restart *logfile.Restart) *ordereddict.Dict {
	area := restart.Area
	clients := make([]*ordereddict.Dict, 0, len(area.Clients))
	for _, client := range area.Clients {
		clients = append(clients, ordereddict.NewDict().
			Set("Name", client.Name).
			Set("OldestLSN", fmt.Sprintf("0x%x", client.OldestLSN)).
			Set("RestartLSN", fmt.Sprintf("0x%x", client.ClientRestartLSN)))
	}

	copies := make([]string, 0, 2)
	for i, err := range restart.Errors {
		if err != nil {
			copies = append(copies, fmt.Sprintf("copy %d: %v", i+1, err))
		} else {
			copies = append(copies, fmt.Sprintf("copy %d: ok", i+1))
		}
	}

	return ordereddict.NewDict().
		Set("Offset", area.Offset).
		Set("Version", fmt.Sprintf("%d.%d", area.MajorVersion, area.MinorVersion)).
		Set("Chkdsk", area.Chkdsk).
		Set("CurrentLSN", fmt.Sprintf("0x%x", area.CurrentLSN)).
		Set("Clean", area.Clean()).
		Set("SystemPageSize", area.SystemPageSize).
		Set("LogPageSize", area.LogPageSize).
		Set("SeqNumberBits", area.SeqNumberBits).
		Set("FileSize", area.FileSize).
		Set("Clients", clients).
		Set("Disagree", restart.Disagree).
		Set("Copies", copies)
}

func log_record_row(rec *logfile.LogRecord) *ordereddict.Dict {
	row := ordereddict.NewDict().
		Set("LSN", fmt.Sprintf("0x%x", rec.LSN)).
		Set("PrevLSN", fmt.Sprintf("0x%x", rec.PrevLSN)).
		Set("UndoNextLSN", fmt.Sprintf("0x%x", rec.UndoNextLSN)).
		Set("Page", rec.Page).
		Set("Offset", rec.Offset).
		Set("TransactionID", rec.TransactionID)

	if rec.IsClientRestart() {
		return row.Set("Type", "ClientRestart")
	}
	return row.Set("Type", "ClientRecord").
		Set("Redo", rec.RedoOp.String()).
		Set("Undo", rec.UndoOp.String()).
		Set("TargetVCN", rec.TargetVCN).
		Set("ClusterBlockOffset", rec.ClusterBlockOffset).
		Set("RecordOffset", rec.RecordOffset).
		Set("AttributeOffset", rec.AttributeOffset).
		Set("RedoLength", len(rec.Redo)).
		Set("UndoLength", len(rec.Undo)).
		Set("LCNs", rec.LCNs)
}

func recovered_name_row(name logfile.RecoveredName) *ordereddict.Dict {
	return ordereddict.NewDict().
		Set("LSN", fmt.Sprintf("0x%x", name.LSN)).
		Set("Op", name.Op.String()).
		Set("Deleted", name.Deleted).
		Set("File", name.File.String()).
		Set("Parent", name.Name.Parent.String()).
		Set("Name", name.Name.Name).
		Set("Modified", format_time(name.Name.Modified))
}
