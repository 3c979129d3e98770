// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package catalog

// System load names filled by the loader.
const (
	AppIDField        = "app_id"
	LoadDateTimeField = "load_datetime"
)

func required(load, column string, t Type) Field {
	return Field{LoadName: load, Column: column, Type: t, Required: true}
}

func optional(load, column string, t Type) Field {
	return Field{LoadName: load, Column: column, Type: t}
}

func converted(f Field, fn ConverterName, from string) Field {
	f.Convert = &Conversion{Func: fn, From: from}
	return f
}

func system(load, column string, t Type) Field {
	return Field{LoadName: load, Column: column, Type: t, Required: true, System: true}
}

func withCommon(specific ...Field) []Field {
	common := []Field{
		system(AppIDField, "AppID", UInt64),
		system(LoadDateTimeField, "LoadDateTime", DateTime),

		required("appmetrica_device_id", "DeviceID", String),
		converted(required("device_id_hash", "DeviceIDHash", UInt64), StringToHash, "appmetrica_device_id"),

		optional("ios_ifa", "IFA", String),
		optional("ios_ifv", "IFV", String),
		optional("google_aid", "GoogleAID", String),
		optional("windows_aid", "WindowsAID", String),
		optional("os_name", "OSName", String),
		optional("os_version", "OSVersion", String),
		optional("device_manufacturer", "Manufacturer", String),
		optional("device_model", "Model", String),
		optional("device_type", "DeviceType", String),
		optional("device_locale", "Locale", String),
		optional("country_iso_code", "Country", String),
		optional("city", "City", String),

		optional("app_version_name", "AppVersionName", String),
		optional("app_package_name", "AppPackageName", String),
	}
	return append(common, specific...)
}

var declarations = map[SourceID]Source{
	Events: {
		ID:             Events,
		LoadName:       "events",
		Table:          "events",
		DateColumn:     "EventDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"event_timestamp", "device_id_hash", "event_name"},
		Fields: withCommon(
			required("event_timestamp", "EventTimestamp", UInt64),
			optional("event_name", "EventName", String),
			optional("event_json", "EventParameters", String),
			optional("event_receive_timestamp", "ReceiveTimestamp", UInt64),

			converted(required("event_date", "EventDate", Date), TimestampToDate, "event_timestamp"),
			converted(optional("event_datetime", "EventDateTime", DateTime), TimestampToDateTime, "event_timestamp"),
			converted(optional("event_receive_date", "ReceiveDate", Date), TimestampToDate, "event_receive_timestamp"),
			converted(optional("event_receive_datetime", "ReceiveDateTime", DateTime), TimestampToDateTime, "event_receive_timestamp"),
		),
	},
	Crashes: {
		ID:             Crashes,
		LoadName:       "crashes",
		Table:          "crashes",
		DateColumn:     "EventDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"crash_timestamp", "device_id_hash", "crash_id"},
		Fields: withCommon(
			required("crash_timestamp", "EventTimestamp", UInt64),
			required("crash_receive_timestamp", "ReceiveTimestamp", UInt64),
			optional("crash", "Crash", String),
			optional("crash_id", "CrashID", String),
			optional("crash_group_id", "CrashGroupID", String),

			converted(required("crash_date", "EventDate", Date), TimestampToDate, "crash_timestamp"),
			converted(optional("crash_datetime", "EventDateTime", DateTime), TimestampToDateTime, "crash_timestamp"),
			converted(optional("crash_receive_date", "ReceiveDate", Date), TimestampToDate, "crash_receive_timestamp"),
			converted(optional("crash_receive_datetime", "ReceiveDateTime", DateTime), TimestampToDateTime, "crash_receive_timestamp"),
		),
	},
	Errors: {
		ID:             Errors,
		LoadName:       "errors",
		Table:          "errors",
		DateColumn:     "EventDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"error_timestamp", "device_id_hash", "error_id"},
		Fields: withCommon(
			required("error_timestamp", "EventTimestamp", UInt64),
			optional("error_receive_timestamp", "ReceiveTimestamp", UInt64),
			optional("error", "Error", String),
			optional("error_id", "ErrorID", String),
			optional("error_name", "ErrorName", String),

			converted(required("error_date", "EventDate", Date), TimestampToDate, "error_timestamp"),
			converted(optional("error_datetime", "EventDateTime", DateTime), TimestampToDateTime, "error_timestamp"),
		),
	},
	Installations: {
		ID:             Installations,
		LoadName:       "installations",
		Table:          "installations",
		DateColumn:     "InstallDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"install_timestamp", "device_id_hash"},
		Fields: withCommon(
			required("install_timestamp", "InstallTimestamp", UInt64),
			optional("install_receive_timestamp", "ReceiveTimestamp", UInt64),
			optional("tracker_name", "TrackerName", String),
			optional("tracking_id", "TrackingID", String),
			optional("publisher_name", "PublisherName", String),
			optional("click_id", "ClickID", String),
			optional("click_timestamp", "ClickTimestamp", UInt64),
			optional("match_type", "MatchType", String),
			converted(optional("reinstallation_flag", "IsReinstallation", UInt8), StringToBool, "is_reinstallation"),
			converted(optional("reattribution_flag", "IsReattribution", UInt8), StringToBool, "is_reattribution"),

			converted(required("install_date", "InstallDate", Date), TimestampToDate, "install_timestamp"),
			converted(optional("install_datetime", "InstallDateTime", DateTime), TimestampToDateTime, "install_timestamp"),
		),
	},
	SessionsStarts: {
		ID:             SessionsStarts,
		LoadName:       "sessions_starts",
		Table:          "sessions_starts",
		DateColumn:     "SessionStartDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"session_start_timestamp", "device_id_hash", "session_id"},
		Fields: withCommon(
			required("session_start_timestamp", "SessionStartTimestamp", UInt64),
			optional("session_start_receive_timestamp", "ReceiveTimestamp", UInt64),
			optional("session_id", "SessionID", String),

			converted(required("session_start_date", "SessionStartDate", Date), TimestampToDate, "session_start_timestamp"),
			converted(optional("session_start_datetime", "SessionStartDateTime", DateTime), TimestampToDateTime, "session_start_timestamp"),
		),
	},
	PushTokens: {
		ID:             PushTokens,
		LoadName:       "push_tokens",
		Table:          "push_tokens",
		DateColumn:     "TokenDate",
		SamplingColumn: "DeviceIDHash",
		KeyFields:      []string{"token", "device_id_hash"},
		DateIgnored:    true,
		Fields: withCommon(
			required("token", "Token", String),
			required("token_timestamp", "TokenTimestamp", UInt64),

			converted(required("token_date", "TokenDate", Date), TimestampToDate, "token_timestamp"),
			converted(optional("token_datetime", "TokenDateTime", DateTime), TimestampToDateTime, "token_timestamp"),
		),
	},
}
