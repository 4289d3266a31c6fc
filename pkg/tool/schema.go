package tool

// DescriptorSchema is the JSON Schema for tool descriptor validation
const DescriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9_]+$",
      "description": "Unique tool name"
    },
    "implementation": {
      "type": "string",
      "minLength": 1,
      "description": "Path to the plugin executable implementing this tool"
    },
    "type": {
      "type": "string",
      "minLength": 1,
      "description": "Built-in tool type tag"
    },
    "description": {
      "type": "string",
      "description": "Human-readable tool description"
    },
    "version": {
      "type": "string",
      "description": "Tool version"
    },
    "enabled": {
      "type": "boolean",
      "description": "Whether the tool is enabled"
    },
    "metadata": {
      "type": "object",
      "description": "Free-form tool metadata"
    }
  }
}`
