package gateway

// Payload assembly for the Code-Assist envelope. Inbound bodies are dynamic
// JSON; only the paths the engine touches have documented semantics and
// everything else is forwarded verbatim.

// userPromptID is a fixed marker the upstream expects on every call.
const userPromptID = "default-prompt"

// requestFields are the inbound keys forwarded inside the request envelope.
var requestFields = []string{"contents", "generationConfig", "systemInstruction", "tools", "toolConfig"}

// BuildPayload wraps an inbound request body in the upstream envelope.
// Optional fields are only included when present; contents entries without
// a role default to "user"; the legacy tool_config alias is coalesced into
// toolConfig.
func BuildPayload(model, projectID string, body map[string]interface{}) map[string]interface{} {
	request := make(map[string]interface{})

	for _, field := range requestFields {
		if v, ok := body[field]; ok {
			request[field] = v
		}
	}
	if _, ok := request["toolConfig"]; !ok {
		if v, ok := body["tool_config"]; ok {
			request["toolConfig"] = v
		}
	}

	if contents, ok := request["contents"].([]interface{}); ok {
		request["contents"] = defaultRoles(contents)
	}

	return map[string]interface{}{
		"model":          model,
		"project":        projectID,
		"user_prompt_id": userPromptID,
		"request":        request,
	}
}

func defaultRoles(contents []interface{}) []interface{} {
	out := make([]interface{}, len(contents))
	for i, c := range contents {
		entry, ok := c.(map[string]interface{})
		if !ok {
			out[i] = c
			continue
		}
		if role, ok := entry["role"].(string); !ok || role == "" {
			entry["role"] = "user"
		}
		out[i] = entry
	}
	return out
}

// UnwrapResponse strips the {response:{...}} envelope from a parsed unary
// body, merging any outer usageMetadata into the inner object. Bodies
// without the envelope come back unchanged.
func UnwrapResponse(wrapped map[string]interface{}) map[string]interface{} {
	inner, ok := wrapped["response"].(map[string]interface{})
	if !ok {
		return wrapped
	}
	if outer, ok := wrapped["usageMetadata"].(map[string]interface{}); ok {
		inner["usageMetadata"] = mergeUsage(inner["usageMetadata"], outer)
	}
	return inner
}

// mergeUsage overlays outer usage keys onto the inner usage object. Outer
// values win; the upstream only sets them on the authoritative frame.
func mergeUsage(innerVal interface{}, outer map[string]interface{}) map[string]interface{} {
	inner, ok := innerVal.(map[string]interface{})
	if !ok {
		return outer
	}
	for k, v := range outer {
		inner[k] = v
	}
	return inner
}

// totalTokenCount reads usageMetadata.totalTokenCount from a response
// object, in either envelope position. Zero when absent.
func totalTokenCount(obj map[string]interface{}) int {
	if usage, ok := obj["usageMetadata"].(map[string]interface{}); ok {
		if n, ok := usage["totalTokenCount"].(float64); ok {
			return int(n)
		}
	}
	if inner, ok := obj["response"].(map[string]interface{}); ok {
		if usage, ok := inner["usageMetadata"].(map[string]interface{}); ok {
			if n, ok := usage["totalTokenCount"].(float64); ok {
				return int(n)
			}
		}
	}
	return 0
}

// responseText concatenates the text parts of the first candidate. Used for
// audit logging only.
func responseText(obj map[string]interface{}) string {
	candidates, ok := obj["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		return ""
	}
	candidate, ok := candidates[0].(map[string]interface{})
	if !ok {
		return ""
	}
	content, ok := candidate["content"].(map[string]interface{})
	if !ok {
		return ""
	}
	return partsText(content["parts"])
}

// hasContent reports whether the response object carries any candidate.
// A 200 with an empty candidate list is treated as a failed call.
func hasContent(obj map[string]interface{}) bool {
	candidates, ok := obj["candidates"].([]interface{})
	return ok && len(candidates) > 0
}

// promptText flattens the text parts of the inbound contents for the audit
// log.
func promptText(body map[string]interface{}) string {
	contents, ok := body["contents"].([]interface{})
	if !ok {
		return ""
	}
	var out string
	for _, c := range contents {
		entry, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if t := partsText(entry["parts"]); t != "" {
			if out != "" {
				out += "\n"
			}
			out += t
		}
	}
	return out
}

// systemInstructionText flattens the inbound systemInstruction for the
// audit log.
func systemInstructionText(body map[string]interface{}) string {
	si, ok := body["systemInstruction"].(map[string]interface{})
	if !ok {
		return ""
	}
	return partsText(si["parts"])
}

func partsText(partsVal interface{}) string {
	parts, ok := partsVal.([]interface{})
	if !ok {
		return ""
	}
	var out string
	for _, p := range parts {
		part, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			out += text
		}
	}
	return out
}
